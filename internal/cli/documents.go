package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dbclient"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
)

// DocumentOptions holds flags shared by the document commands.
type DocumentOptions struct {
	*RootOptions
	Tenant string
	Data   string
}

func addTenantFlag(cmd *cobra.Command, opts *DocumentOptions) {
	cmd.Flags().StringVarP(&opts.Tenant, "tenant", "t", "", "tenant scope (required)")
	_ = cmd.MarkFlagRequired("tenant")
}

func addDataFlag(cmd *cobra.Command, opts *DocumentOptions) {
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "fields as a flat JSON object")
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Fetch one document",
		Example: `  portaldb get students 0192d6a4-... --tenant escola-norte
  portaldb get students 0192d6a4-... -t escola-norte --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *dbclient.Client, f *OutputFormatter) error {
				rec, err := c.GetDocument(ctx, args[0], record.TenantScope(opts.Tenant), args[1])
				if err != nil {
					return f.Fail("get failed", err)
				}
				return f.Success(viewOf(rec))
			})
		},
	}
	addTenantFlag(cmd, opts)
	return cmd
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <collection> [key=value ...]",
		Short: "Create a document",
		Long: `Create a document in a collection for one tenant.

Fields come from --data (a flat JSON object) and key=value arguments, which
are applied after --data. Values are parsed as null, booleans, numbers or
RFC 3339 timestamps when they look like one; quote them to keep a string.`,
		Example: `  portaldb create students nome_aluno=Ana idade=12 -t escola-norte
  portaldb create students -d '{"nome_aluno":"Ana","ativo":true}' -t escola-norte`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(opts.Data, args[1:])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid fields", err)
			}
			return withClient(cmd, rootOpts, func(ctx context.Context, c *dbclient.Client, f *OutputFormatter) error {
				rec, err := c.CreateDocument(ctx, args[0], record.TenantScope(opts.Tenant), fields)
				if err != nil {
					return f.Fail("create failed", err)
				}
				f.VerboseLog("created %s/%s", rec.Collection, rec.ID)
				return f.Success(viewOf(rec))
			})
		},
	}
	addTenantFlag(cmd, opts)
	addDataFlag(cmd, opts)
	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <collection> <id> [key=value ...]",
		Short: "Merge fields into a document",
		Long: `Merge fields into an existing document. Fields not named are kept.

Fields are given the same way as for create.`,
		Example:       `  portaldb update students 0192d6a4-... turma=B2 -t escola-norte`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(opts.Data, args[2:])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid fields", err)
			}
			return withClient(cmd, rootOpts, func(ctx context.Context, c *dbclient.Client, f *OutputFormatter) error {
				rec, err := c.UpdateDocument(ctx, args[0], record.TenantScope(opts.Tenant), args[1], fields)
				if err != nil {
					return f.Fail("update failed", err)
				}
				return f.Success(viewOf(rec))
			})
		},
	}
	addTenantFlag(cmd, opts)
	addDataFlag(cmd, opts)
	return cmd
}

// deleteResult is the output of delete.
type deleteResult struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Deleted    bool   `json:"deleted"`
}

func (r deleteResult) String() string {
	if r.Deleted {
		return fmt.Sprintf("deleted %s/%s", r.Collection, r.ID)
	}
	return fmt.Sprintf("%s/%s did not exist", r.Collection, r.ID)
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "delete <collection> <id>",
		Short:         "Delete a document",
		Long:          "Delete a document. Exits 1 when it did not exist.",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *dbclient.Client, f *OutputFormatter) error {
				deleted, err := c.DeleteDocument(ctx, args[0], record.TenantScope(opts.Tenant), args[1])
				if err != nil {
					return f.Fail("delete failed", err)
				}
				res := deleteResult{Collection: args[0], ID: args[1], Deleted: deleted}
				if err := f.Success(res); err != nil {
					return err
				}
				if !deleted {
					return &ExitError{Code: ExitFailure, Message: res.String(), Reported: true}
				}
				return nil
			})
		},
	}
	addTenantFlag(cmd, opts)
	return cmd
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	DocumentOptions
	Where  []string
	Order  string
	Limit  int
	Offset int
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{DocumentOptions: DocumentOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "query <collection>",
		Short: "Query documents of one tenant",
		Long: `Query documents of one collection for one tenant.

Each --where is "field op value" with op one of ==, !=, <, <=, >, >=, in or
prefix. Clauses are ANDed. in takes a comma-separated list.`,
		Example: `  portaldb query students -t escola-norte --where "turma == A1" --order nome_aluno
  portaldb query students -t escola-norte --where "idade >= 10" --where "idade < 14" --limit 20
  portaldb query students -t escola-norte --where "turma in A1,B2" --order nome_aluno:desc`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := buildQuery(opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid query", err)
			}
			return withClient(cmd, rootOpts, func(ctx context.Context, c *dbclient.Client, f *OutputFormatter) error {
				recs, err := c.QueryDocuments(ctx, args[0], record.TenantScope(opts.Tenant), b)
				if err != nil {
					return f.Fail("query failed", err)
				}
				f.VerboseLog("%d records", len(recs))
				return f.Success(viewsOf(recs))
			})
		},
	}
	addTenantFlag(cmd, &opts.DocumentOptions)
	cmd.Flags().StringArrayVarP(&opts.Where, "where", "w", nil, `filter clause "field op value" (repeatable)`)
	cmd.Flags().StringVar(&opts.Order, "order", "", "sort field, optionally field:desc")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = no limit)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "records to skip")
	return cmd
}

func buildQuery(opts *QueryOptions) (*query.Builder, error) {
	b := query.New()
	for _, clause := range opts.Where {
		if err := parseWhere(b, clause); err != nil {
			return nil, err
		}
	}
	if opts.Order != "" {
		if err := parseOrder(b, opts.Order); err != nil {
			return nil, err
		}
	}
	if opts.Limit != 0 {
		b.Limit(opts.Limit)
	}
	if opts.Offset != 0 {
		b.Offset(opts.Offset)
	}
	if _, err := b.Build(); err != nil {
		return nil, err
	}
	return b, nil
}
