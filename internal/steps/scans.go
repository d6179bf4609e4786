package steps

import (
	"context"
	"fmt"

	"github.com/qualys/vmgraph/internal/derive"
	"github.com/qualys/vmgraph/internal/keys"
	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
)

func scanStages(src Source, cfg Config) []pipeline.Stage {
	return []pipeline.Stage{
		{
			ID:            FetchScans,
			Name:          "Fetch Scans",
			Entities:      []models.EntitySchema{models.ScanSchema},
			Relationships: []models.RelationshipSchema{models.SiteHasScan},
			DependsOn:     []string{FetchSites},
			Run: func(ctx context.Context, js *pipeline.JobState) error {
				return fetchScans(ctx, js, src)
			},
		},
		{
			ID:            FetchScanAssets,
			Name:          "Fetch Scan Assets",
			Relationships: []models.RelationshipSchema{models.ScanMonitorsAsset},
			DependsOn:     []string{FetchSiteAssets, FetchScans, FetchSites, FetchAssets},
			Run: func(ctx context.Context, js *pipeline.JobState) error {
				return fetchScanAssets(ctx, js, src, cfg)
			},
		},
	}
}

func fetchScans(ctx context.Context, js *pipeline.JobState, src Source) error {
	return src.IterateScans(ctx, func(s *models.Scan) error {
		scan, err := js.AddEntity(ctx, CreateScanEntity(s))
		if err != nil {
			return err
		}
		if s.SiteID <= 0 {
			return nil
		}
		site, err := js.FindEntity(ctx, keys.SiteKey(s.SiteID))
		if err != nil {
			return fmt.Errorf("finding site %d: %w", s.SiteID, err)
		}
		if site == nil {
			return nil
		}
		_, err = js.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, site, scan))
		return err
	})
}

// fetchScanAssets derives scan MONITORS asset from the stored site HAS asset
// relationships and the scans the console lists per site.
func fetchScanAssets(ctx context.Context, js *pipeline.JobState, src Source, cfg Config) error {
	stats, err := derive.Derive(ctx, js, derive.Derivation{
		IndexType:   models.SiteHasAsset.Type,
		Class:       models.RelationshipMonitors,
		Concurrency: cfg.JoinConcurrency,
		Fetch: func(ctx context.Context, site *models.Entity, visit func(string) error) error {
			return src.IterateSiteScans(ctx, site.ID(), func(s *models.Scan) error {
				return visit(keys.ScanKey(s.ID))
			})
		},
	})
	if err != nil {
		return err
	}

	js.Logger().Info("scan assets derived",
		"sites", stats.FromEntities,
		"scans", stats.RelatedRecords,
		"relationships", stats.RelationshipsWritten,
		"missing_sites", stats.MissingFromEntities,
		"missing_scans", stats.MissingRelated,
		"missing_assets", stats.MissingTargets)
	return nil
}
