// Package checkpoint persists progress checkpoints and rollback points.
//
// A checkpoint records how far an operation got: the input offset, the keys
// of items already processed, the identifiers written so far and, for
// rollback points, the pre-images of the affected records. Key features:
//   - JSON files under ~/.brainops/checkpoints/ written atomically (temp + rename)
//   - A content checksum on every file so a resume never trusts a damaged checkpoint
//   - A bounded retention window; expired files are removed only by an explicit
//     PurgeExpired call
package checkpoint
