package store

// SQLite schema DDL

const schemaRecords = `
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    type TEXT NOT NULL,
    importance REAL NOT NULL DEFAULT 0.5,
    metadata TEXT NOT NULL DEFAULT '{}',
    content_hash TEXT NOT NULL,
    derived TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`

const schemaOperations = `
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    config TEXT NOT NULL DEFAULT '{}',
    progress TEXT NOT NULL DEFAULT '{}',
    result TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`

const schemaOperationItems = `
CREATE TABLE IF NOT EXISTS operation_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id TEXT NOT NULL,
    batch_number INTEGER NOT NULL,
    position INTEGER NOT NULL DEFAULT -1,
    target_id TEXT,
    status TEXT NOT NULL,
    error_message TEXT,
    created_at TEXT NOT NULL
)`

const schemaMigrationHistory = `
CREATE TABLE IF NOT EXISTS migration_history (
    migration_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    applied_at TEXT,
    rolled_back_at TEXT,
    execution_ms INTEGER NOT NULL DEFAULT 0,
    affected_items INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    checkpoint TEXT,
    metadata TEXT,
    updated_at TEXT NOT NULL
)`

const indexRecordsContentHash = `CREATE INDEX IF NOT EXISTS idx_records_content_hash ON records(content_hash)`
const indexOperationsStatus = `CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status)`
const indexOperationItemsOp = `CREATE INDEX IF NOT EXISTS idx_operation_items_operation ON operation_items(operation_id)`

// allSchemaStatements returns all schema DDL in order
func allSchemaStatements() []string {
	return []string{
		schemaRecords,
		schemaOperations,
		schemaOperationItems,
		schemaMigrationHistory,
		indexRecordsContentHash,
		indexOperationsStatus,
		indexOperationItemsOp,
	}
}
