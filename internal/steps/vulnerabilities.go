package steps

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/qualys/vmgraph/internal/keys"
	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
)

func vulnerabilityStages(src Source, cfg Config) []pipeline.Stage {
	return []pipeline.Stage{
		{
			ID:       FetchAssetVulnerabilities,
			Name:     "Fetch Asset Vulnerabilities",
			Entities: []models.EntitySchema{models.FindingSchema, models.VulnerabilitySchema},
			Relationships: []models.RelationshipSchema{
				models.AssetHasFinding,
				models.FindingIsVulnerability,
			},
			DependsOn: []string{FetchAssets},
			Run: func(ctx context.Context, js *pipeline.JobState) error {
				return fetchAssetVulnerabilities(ctx, js, src, cfg)
			},
		},
	}
}

// fetchAssetVulnerabilities records one finding per (asset, vulnerability)
// and links it to the vulnerability node shared by every asset reporting it.
func fetchAssetVulnerabilities(ctx context.Context, js *pipeline.JobState, src Source, cfg Config) error {
	var assets []*models.Entity
	err := js.IterateEntities(ctx, models.TypeAsset, func(a *models.Entity) error {
		if a.ID() != "" {
			assets = append(assets, a)
		}
		return nil
	})
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(cfg.AssetConcurrency)
	for _, asset := range assets {
		eg.Go(func() error {
			err := src.IterateAssetVulnerabilities(egCtx, asset.ID(), func(v *models.AssetVulnerability) error {
				return addAssetVulnerability(egCtx, js, asset, v)
			})
			if err != nil {
				return fmt.Errorf("asset %s vulnerabilities: %w", asset.ID(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func addAssetVulnerability(ctx context.Context, js *pipeline.JobState, asset *models.Entity, v *models.AssetVulnerability) error {
	finding, err := js.AddEntity(ctx, CreateFindingEntity(v, asset.ID()))
	if err != nil {
		return err
	}
	if _, err := js.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, asset, finding)); err != nil {
		return err
	}

	vuln, err := js.ResolveShared(ctx, keys.KindVulnerability, v.ID, func(string) (*models.Entity, error) {
		return CreateVulnerabilityEntity(v), nil
	})
	if err != nil {
		return err
	}
	_, err = js.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipIs, finding, vuln))
	return err
}
