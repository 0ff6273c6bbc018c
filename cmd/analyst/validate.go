package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/sandbox"
	"github.com/danshapiro/analyst/internal/schema"
	"github.com/danshapiro/analyst/internal/script"
)

type validateReport struct {
	Valid    bool             `json:"valid"`
	Failure  *failure.Record  `json:"failure,omitempty"`
	Rewrites []script.Applied `json:"rewrites,omitempty"`
	Mappings []schema.Mapping `json:"mappings,omitempty"`
	Source   string           `json:"source,omitempty"`
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	var data, path string
	cmd := &cobra.Command{
		Use:   "validate --script <file> [--data <glob>]",
		Short: "Check a script against the sandbox policy and show the rewritten program",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg, root.debug)
			code, err := readScript(path)
			if err != nil {
				return err
			}
			catalog := dataset.Catalog{}
			if data != "" {
				if catalog, err = dataset.LoadGlob(data); err != nil {
					return err
				}
			}
			p, rec := sandbox.New(nil, logger).Prepare(code, sandbox.ExecContext{
				Catalog:    catalog,
				Reconciler: schema.New(cfg.Reconciler),
			})
			rep := validateReport{Valid: rec == nil, Failure: rec}
			if p != nil {
				rep.Rewrites, rep.Mappings, rep.Source = p.Rewrites, p.Mappings, p.Source
			}
			if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if !rep.Valid {
				return &exitError{code: 1, msg: rec.Error()}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "script", "", "script to validate (- for stdin)")
	cmd.Flags().StringVar(&data, "data", "", "optional CSV glob for column reconciliation")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func newReconcileCmd(root *rootOptions) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "reconcile --data <glob> <column>...",
		Short: "Show how requested column names resolve against each dataset",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			catalog, err := dataset.LoadGlob(data)
			if err != nil {
				return err
			}
			r := schema.New(cfg.Reconciler)
			var out []schema.Mapping
			for _, t := range catalog.Tables() {
				for _, name := range args {
					m := r.Resolve(name, t.Schema())
					m.Dataset = t.Name()
					out = append(out, m)
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "doublestar glob of CSV files")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newSandboxWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    sandbox.WorkerCommand,
		Short:  "Serve one sandbox job on stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		// The worker must not read .env or configure logging: its stdout is
		// the reply channel.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sandbox.ServeWorker(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("sandbox worker: %w", err)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
