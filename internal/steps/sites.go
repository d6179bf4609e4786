package steps

import (
	"context"

	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
)

func siteStages(src Source) []pipeline.Stage {
	return []pipeline.Stage{
		{
			ID:            FetchSites,
			Name:          "Fetch Sites",
			Entities:      []models.EntitySchema{models.SiteSchema},
			Relationships: []models.RelationshipSchema{models.AccountHasSite},
			DependsOn:     []string{FetchAccount},
			Run: func(ctx context.Context, js *pipeline.JobState) error {
				return fetchSites(ctx, js, src)
			},
		},
	}
}

func fetchSites(ctx context.Context, js *pipeline.JobState, src Source) error {
	account, err := accountEntity(js)
	if err != nil {
		return err
	}

	return src.IterateSites(ctx, func(s *models.Site) error {
		site, err := js.AddEntity(ctx, CreateSiteEntity(s))
		if err != nil {
			return err
		}
		_, err = js.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, account, site))
		return err
	})
}
