package steps

import (
	"context"
	"fmt"

	"github.com/qualys/vmgraph/internal/keys"
	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
)

func assetStages(src Source) []pipeline.Stage {
	return []pipeline.Stage{
		{
			ID:            FetchAssets,
			Name:          "Fetch Assets",
			Entities:      []models.EntitySchema{models.AssetSchema},
			Relationships: []models.RelationshipSchema{models.AccountHasAsset},
			DependsOn:     []string{FetchAccount},
			Run: func(ctx context.Context, js *pipeline.JobState) error {
				return fetchAssets(ctx, js, src)
			},
		},
		{
			ID:            FetchSiteAssets,
			Name:          "Fetch Site Assets",
			Relationships: []models.RelationshipSchema{models.SiteHasAsset},
			DependsOn:     []string{FetchSites, FetchAssets},
			Run: func(ctx context.Context, js *pipeline.JobState) error {
				return fetchSiteAssets(ctx, js, src)
			},
		},
	}
}

func fetchAssets(ctx context.Context, js *pipeline.JobState, src Source) error {
	account, err := accountEntity(js)
	if err != nil {
		return err
	}

	return src.IterateAssets(ctx, func(a *models.Asset) error {
		asset, err := js.AddEntity(ctx, CreateAssetEntity(a))
		if err != nil {
			return err
		}
		_, err = js.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, account, asset))
		return err
	})
}

// fetchSiteAssets links every stored site to the stored assets the console
// lists for it. Assets not fetched by fetch-assets are skipped.
func fetchSiteAssets(ctx context.Context, js *pipeline.JobState, src Source) error {
	var linked, skipped int
	err := js.IterateEntities(ctx, models.TypeSite, func(site *models.Entity) error {
		siteID := site.ID()
		if siteID == "" {
			return nil
		}
		err := src.IterateSiteAssets(ctx, siteID, func(a *models.Asset) error {
			ok, err := linkIfPresent(ctx, js, models.RelationshipHas, site, keys.AssetKey(a.ID))
			if ok {
				linked++
			} else if err == nil {
				skipped++
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("site %s assets: %w", siteID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	js.Logger().Info("site assets linked", "linked", linked, "skipped", skipped)
	return nil
}
