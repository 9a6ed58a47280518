package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dbclient"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// BatchFile is the YAML document read by the batch command.
//
//	tenant: escola-norte
//	operations:
//	  - kind: create
//	    collection: students
//	    fields: {nome_aluno: Ana, idade: 12}
//	  - kind: delete
//	    collection: students
//	    id: 0192d6a4-...
type BatchFile struct {
	// Tenant is used when --tenant is not given.
	Tenant string `yaml:"tenant,omitempty"`

	Operations []BatchStep `yaml:"operations"`
}

// BatchStep is one operation of a batch file.
type BatchStep struct {
	Kind       string         `yaml:"kind"`
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id,omitempty"`
	Fields     map[string]any `yaml:"fields,omitempty"`
}

// LoadBatchFile parses a batch file from r.
// Unknown keys are rejected so typos fail loudly.
func LoadBatchFile(r io.Reader) (*BatchFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var bf BatchFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&bf); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(bf.Operations) == 0 {
		return nil, fmt.Errorf("operations list is required and must be non-empty")
	}
	return &bf, nil
}

// Ops converts the steps into record operations.
func (bf *BatchFile) Ops() ([]record.Operation, error) {
	ops := make([]record.Operation, 0, len(bf.Operations))
	for i, step := range bf.Operations {
		kind, err := record.ParseOpKind(step.Kind)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		fields, err := value.FromMap(step.Fields)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, record.Operation{
			Kind:       kind,
			Collection: step.Collection,
			ID:         step.ID,
			Fields:     fields,
		})
	}
	return ops, nil
}

// batchResult is the output of batch.
type batchResult struct {
	Tenant     string `json:"tenant"`
	Operations int    `json:"operations"`
}

func (r batchResult) String() string {
	return fmt.Sprintf("applied %d operations for tenant %s", r.Operations, r.Tenant)
}

// NewBatchCommand creates the batch command.
func NewBatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "batch <file.yaml|->",
		Short: "Apply a batch of operations for one tenant",
		Long: `Apply the create, update and delete operations of a YAML file as one
batch on a single adapter. Reads stdin when the file is "-".

A batch that fails is not replayed on the other adapter; run it again once
the cause is fixed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			bf, err := readBatchFile(cmd, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid batch file", err)
			}
			tenant := opts.Tenant
			if tenant == "" {
				tenant = bf.Tenant
			}
			if tenant == "" {
				return NewExitError(ExitCommandError, "tenant is required: use --tenant or set tenant in the batch file")
			}
			ops, err := bf.Ops()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid batch file", err)
			}

			return withClient(cmd, rootOpts, func(ctx context.Context, c *dbclient.Client, f *OutputFormatter) error {
				if err := c.BatchOperation(ctx, record.TenantScope(tenant), ops); err != nil {
					return f.Fail("batch failed", err)
				}
				return f.Success(batchResult{Tenant: tenant, Operations: len(ops)})
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Tenant, "tenant", "t", "", "tenant scope (overrides the file)")
	return cmd
}

func readBatchFile(cmd *cobra.Command, path string) (*BatchFile, error) {
	if path == "-" {
		return LoadBatchFile(cmd.InOrStdin())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch file: %w", err)
	}
	defer f.Close()
	return LoadBatchFile(f)
}
