// Package remap implements bulk text rewrites across the text columns of
// tenant databases.
package remap

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/history"
	"github.com/supporttools/SiteVault/pkg/metrics"
	"github.com/supporttools/SiteVault/pkg/platform"
	"github.com/supporttools/SiteVault/pkg/store/common"
)

// Scope selects which tenant databases a remap run covers.
type Scope string

const (
	// ScopeCurrent remaps only the active database.
	ScopeCurrent Scope = "current"
	// ScopeAll remaps every configured tenant database in order.
	ScopeAll Scope = "all"
)

// Options controls a single remap run.
type Options struct {
	// From is the text to search for, or a store-native regular expression
	// when Regex is set.
	From string

	// To is the replacement text; in regex mode it may reference capture
	// groups using the store's syntax.
	To string

	// Regex selects regular-expression matching.
	Regex bool

	// SkipMaxLengthViolations leaves rows whose replacement would exceed a
	// column's maximum length unmodified instead of aborting the run.
	SkipMaxLengthViolations bool

	// Scope selects the tenant set. Zero value means the active database.
	Scope Scope
}

// TenantOutcome reports what a remap pass did to one tenant database.
type TenantOutcome struct {
	Tenant         string
	RowsChanged    int64
	RowsSkipped    int64
	TablesScanned  int
	ColumnsScanned int
}

// Result describes a finished remap run. Outcomes holds one entry per
// tenant that was attempted, in execution order.
type Result struct {
	Success          bool
	Outcomes         []TenantOutcome
	TotalRowsChanged int64
	Duration         time.Duration
}

// Engine iterates tenants and delegates the per-database rewrite to the
// store driver.
type Engine struct {
	cfg      *config.AppConfig
	platform *platform.State
	driver   common.Driver
	history  history.Recorder
}

// NewEngine creates a remap engine from the global configuration.
func NewEngine() (*Engine, error) {
	driver, err := common.Open(config.CFG.Database.Driver)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      &config.CFG,
		platform: platform.Default,
		driver:   driver,
		history:  history.DefaultStore,
	}, nil
}

// Run rewrites occurrences of opts.From with opts.To across the selected
// tenants, sequentially. A failing tenant aborts the remainder; tenants
// already processed stay rewritten, and re-running after a fix only touches
// rows the earlier run did not convert.
func (e *Engine) Run(ctx context.Context, requesterID string, opts Options) (*Result, error) {
	if opts.From == "" {
		return nil, apperrors.Configuration("remap requires a non-empty search text")
	}
	scope := opts.Scope
	if scope == "" {
		scope = ScopeCurrent
	}
	if scope != ScopeCurrent && scope != ScopeAll {
		return nil, apperrors.Configuration("unknown remap scope %q", scope)
	}

	tenants := e.targets(scope)
	if len(tenants) == 0 {
		return nil, apperrors.Configuration("no tenant databases are configured")
	}

	entry := e.history.Begin(history.KindRemap, requesterID, "", "")
	log.Printf("Starting remap of %q -> %q across %d database(s) (regex: %v, skip violations: %v)",
		opts.From, opts.To, len(tenants), opts.Regex, opts.SkipMaxLengthViolations)

	job := common.RemapJob{
		From:                    opts.From,
		To:                      opts.To,
		Regex:                   opts.Regex,
		SkipMaxLengthViolations: opts.SkipMaxLengthViolations,
	}

	result := &Result{}
	start := time.Now()
	err := e.remapAll(ctx, tenants, job, result)
	result.Duration = time.Since(start)

	if err != nil {
		metrics.RemapCount.WithLabelValues("error").Inc()
		if ferr := e.history.Fail(entry.ID, err.Error()); ferr != nil {
			log.Printf("Failed to record remap failure: %v", ferr)
		}
		if len(result.Outcomes) > 1 {
			log.Printf("Remap aborted; the %d database(s) processed before the failure remain rewritten and a re-run is safe",
				len(result.Outcomes)-1)
		}
		return result, err
	}

	result.Success = true
	metrics.RemapCount.WithLabelValues("success").Inc()
	if cerr := e.history.Complete(entry.ID, 0, result.TotalRowsChanged); cerr != nil {
		log.Printf("Failed to record remap completion: %v", cerr)
	}
	log.Printf("Remap completed in %s; %d row(s) rewritten across %d database(s)",
		result.Duration.Round(time.Millisecond), result.TotalRowsChanged, len(result.Outcomes))
	return result, nil
}

// targets resolves the tenant database list for a scope.
func (e *Engine) targets(scope Scope) []string {
	if scope == ScopeAll {
		if dbs := config.TenantDatabases(); len(dbs) > 0 {
			return dbs
		}
	}
	active := e.platform.ActiveDatabase()
	if active == "" {
		return nil
	}
	return []string{active}
}

func (e *Engine) remapAll(ctx context.Context, tenants []string, job common.RemapJob, result *Result) error {
	if err := e.driver.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to the store: %w", err)
	}
	defer func() {
		if cerr := e.driver.Close(); cerr != nil {
			log.Printf("Failed to close store connection: %v", cerr)
		}
	}()

	for _, tenant := range tenants {
		res, err := e.driver.Remap(ctx, tenant, job)

		outcome := TenantOutcome{
			Tenant:         tenant,
			RowsChanged:    res.RowsChanged,
			RowsSkipped:    res.RowsSkipped,
			TablesScanned:  res.TablesScanned,
			ColumnsScanned: res.ColumnsScanned,
		}
		result.Outcomes = append(result.Outcomes, outcome)
		result.TotalRowsChanged += res.RowsChanged
		metrics.RemapRowsChanged.WithLabelValues(tenant).Add(float64(res.RowsChanged))

		if err != nil {
			if apperrors.KindOf(err) == "" {
				err = apperrors.Remap(fmt.Sprintf("remap failed on database %s", tenant), err)
			}
			return err
		}

		log.Printf("Remapped database %s: %d row(s) changed, %d skipped, %d table(s) scanned",
			tenant, res.RowsChanged, res.RowsSkipped, res.TablesScanned)
	}
	return nil
}
