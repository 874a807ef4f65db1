package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raold/second-brain-sub001/internal/engine"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/service"
	"github.com/raold/second-brain-sub001/internal/store"
)

var errNoFilter = errors.New("refusing to touch every record without --all; pass --filter or --all")

// formatFromPath guesses a payload format from a file extension.
func formatFromPath(path string) (ops.Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ops.FormatJSON, true
	case ".jsonl", ".ndjson":
		return ops.FormatJSONL, true
	case ".csv":
		return ops.FormatCSV, true
	case ".yaml", ".yml":
		return ops.FormatYAML, true
	}
	return "", false
}

// resolveFormat picks --format when set, then the file extension, then the
// configured default.
func resolveFormat(cmd *cobra.Command, flagValue, path string, fallback ops.Format) (ops.Format, error) {
	if cmd.Flags().Changed("format") {
		return ops.ParseFormat(flagValue)
	}
	if f, ok := formatFromPath(path); ok {
		return f, nil
	}
	return fallback, nil
}

// predicateFlags is the --filter/--all pair shared by export, update and
// delete.
type predicateFlags struct {
	filters []string
	all     bool
}

func (f *predicateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.filters, "filter", nil,
		"filter as key=value (id, type, hash, contains, min-importance, max-importance, created-after, created-before, limit, meta.<key>)")
	cmd.Flags().BoolVar(&f.all, "all", false, "match every record when no filter is given")
}

func (f *predicateFlags) predicate(cmd *cobra.Command, requireScope bool) (store.Predicate, error) {
	pred, err := ParsePredicate(cmd.Context(), f.filters)
	if err != nil {
		return pred, err
	}
	if requireScope && pred.IsEmpty() && !f.all {
		return pred, errNoFilter
	}
	return pred, nil
}

func newImportCmd(a *app) *cobra.Command {
	var (
		flags      opFlags
		format     string
		duplicates string
	)

	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import records from a JSON, JSON Lines, CSV or YAML payload",
		Long: `Import records from a file, or from stdin when the file is omitted or "-".
Records with an id that already exists are handled by --duplicates:
skip, update, replace or append.`,
		Example: `  brainops import notes.jsonl
  cat export.csv | brainops import --format csv --duplicates update
  brainops import notes.json --detect-duplicates --batch-size 200
  brainops import notes.jsonl --resume cp_01J...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flags.apply(cmd.Flags(), a.cfg.Operations)

			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			f, err := resolveFormat(cmd, format, path, cfg.Format)
			if err != nil {
				return err
			}
			cfg.Format = f
			if cmd.Flags().Changed("duplicates") {
				strategy, err := ops.ParseDuplicateStrategy(duplicates)
				if err != nil {
					return err
				}
				cfg.DuplicateStrategy = strategy
			}

			var payload io.Reader = cmd.InOrStdin()
			if path != "-" {
				file, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("opening payload: %w", err)
				}
				defer file.Close()
				payload = file
			}

			req := service.Request{Kind: ops.KindImport, Config: cfg, Payload: payload}
			if cfg.ResumeFrom != "" {
				// A resumed run replays the same decoded items from the
				// checkpoint offset.
				items, err := engine.DecodeItems(payload, cfg.Format)
				if err != nil {
					return err
				}
				req.Payload, req.Items = nil, items
			}

			res, err := runOperation(cmd, a, req)
			return finishOperation(newPrinter(cmd, a), res, err)
		},
	}

	flags.register(cmd.Flags(), true)
	cmd.Flags().StringVar(&format, "format", "", "payload format: json, jsonl, csv or yaml (default from the file extension)")
	cmd.Flags().StringVar(&duplicates, "duplicates", "", "existing-id strategy: skip, update, replace or append")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		preds  predicateFlags
		flags  opFlags
		format string
		file   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export matching records",
		Long: `Export records matching the filters to stdout or --file. With no
filter every record is exported. When the records go to stdout the
operation summary is written to stderr.`,
		Example: `  brainops export --format jsonl > all.jsonl
  brainops export --filter type=semantic --filter min-importance=0.5 --file important.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pred, err := preds.predicate(cmd, false)
			if err != nil {
				return err
			}
			cfg := flags.apply(cmd.Flags(), a.cfg.Operations)
			f, err := resolveFormat(cmd, format, file, cfg.Format)
			if err != nil {
				return err
			}
			cfg.Format = f

			p := newPrinter(cmd, a)
			if file == "" {
				p = &printer{w: cmd.ErrOrStderr(), json: a.output == outputJSON, styled: writerIsTerminal(cmd.ErrOrStderr())}
				res, err := runOperation(cmd, a, service.Request{
					Kind: ops.KindExport, Config: cfg, Predicate: pred, Output: cmd.OutOrStdout(),
				})
				return finishOperation(p, res, err)
			}

			res, err := exportToFile(cmd, a, file, service.Request{Kind: ops.KindExport, Config: cfg, Predicate: pred})
			return finishOperation(p, res, err)
		},
	}

	preds.register(cmd)
	flags.register(cmd.Flags(), false)
	cmd.Flags().StringVar(&format, "format", "", "output format: json, jsonl, csv or yaml (default from --file extension)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "write records to this file instead of stdout")
	return cmd
}

// exportToFile writes through a temp file that replaces path only when the
// export completed.
func exportToFile(cmd *cobra.Command, a *app, path string, req service.Request) (*ops.Result, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating export directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("creating export file: %w", err)
	}

	req.Output = out
	res, err := runOperation(cmd, a, req)
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("closing export file: %w", closeErr)
	}
	if err != nil || res.Status != ops.StatusCompleted {
		_ = os.Remove(tmp)
		return res, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return res, fmt.Errorf("finalizing export file: %w", err)
	}
	return res, nil
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		preds         predicateFlags
		flags         opFlags
		setContent    string
		setType       string
		setImportance float64
		setMeta       []string
		unsetMeta     []string
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Apply a patch to every matching record",
		Example: `  brainops update --filter contains=deadline --set-importance 0.9
  brainops update --filter meta.project=atlas --set-meta status=archived --unset-meta owner
  brainops update --all --set-type semantic --safety-limit 5000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pred, err := preds.predicate(cmd, true)
			if err != nil {
				return err
			}

			var patch engine.Patch
			fs := cmd.Flags()
			if fs.Changed("set-content") {
				patch.Content = &setContent
			}
			if fs.Changed("set-type") {
				if !ops.IsKnownType(setType) {
					return fmt.Errorf("%w: unknown record type %q", ops.ErrValidation, setType)
				}
				patch.Type = &setType
			}
			if fs.Changed("set-importance") {
				if setImportance < 0 || setImportance > 1 {
					return fmt.Errorf("%w: importance must be between 0 and 1", ops.ErrValidation)
				}
				patch.Importance = &setImportance
			}
			if len(setMeta) > 0 {
				patch.Metadata = make(map[string]any, len(setMeta))
				for _, kv := range setMeta {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || strings.TrimSpace(k) == "" {
						return fmt.Errorf("%w: --set-meta expects key=value, got %q", ops.ErrValidation, kv)
					}
					patch.Metadata[strings.TrimSpace(k)] = metaValue(v)
				}
			}
			patch.RemoveMetadata = unsetMeta
			if patch.IsEmpty() {
				return fmt.Errorf("%w: nothing to update; pass at least one --set or --unset flag", ops.ErrValidation)
			}

			res, err := runOperation(cmd, a, service.Request{
				Kind:      ops.KindUpdate,
				Config:    flags.apply(fs, a.cfg.Operations),
				Predicate: pred,
				Patch:     &patch,
			})
			return finishOperation(newPrinter(cmd, a), res, err)
		},
	}

	preds.register(cmd)
	flags.register(cmd.Flags(), false)
	cmd.Flags().StringVar(&setContent, "set-content", "", "replace the content")
	cmd.Flags().StringVar(&setType, "set-type", "", "change the record type")
	cmd.Flags().Float64Var(&setImportance, "set-importance", 0, "set the importance (0..1)")
	cmd.Flags().StringArrayVar(&setMeta, "set-meta", nil, "set a metadata key as key=value")
	cmd.Flags().StringArrayVar(&unsetMeta, "unset-meta", nil, "remove a metadata key")
	return cmd
}

// metaValue keeps numbers and booleans typed in metadata patches.
func metaValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func newDeleteCmd(a *app) *cobra.Command {
	var (
		preds predicateFlags
		flags opFlags
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete matching records",
		Long: `Delete records matching the filters. Unless --no-rollback is given a
rollback point is captured first; undo the delete with
"brainops ops rollback <rollback-point>".`,
		Example: `  brainops delete --filter type=working --filter max-importance=0.1
  brainops delete --filter created-before=2024-01-01 --safety-limit 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pred, err := preds.predicate(cmd, true)
			if err != nil {
				return err
			}
			res, err := runOperation(cmd, a, service.Request{
				Kind:      ops.KindDelete,
				Config:    flags.apply(cmd.Flags(), a.cfg.Operations),
				Predicate: pred,
			})
			return finishOperation(newPrinter(cmd, a), res, err)
		},
	}

	preds.register(cmd)
	flags.register(cmd.Flags(), false)
	return cmd
}
