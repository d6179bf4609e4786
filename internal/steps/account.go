package steps

import (
	"context"
	"fmt"

	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
)

func accountStages(src Source, cfg Config) []pipeline.Stage {
	return []pipeline.Stage{
		{
			ID:       FetchAccount,
			Name:     "Fetch Account",
			Entities: []models.EntitySchema{models.AccountSchema},
			Run: func(ctx context.Context, js *pipeline.JobState) error {
				return fetchAccount(ctx, js, src, cfg)
			},
		},
	}
}

func fetchAccount(ctx context.Context, js *pipeline.JobState, src Source, cfg Config) error {
	if cfg.Host == "" {
		return fmt.Errorf("account host is required")
	}
	if err := src.VerifyAuthentication(ctx); err != nil {
		return err
	}

	account, err := js.AddEntity(ctx, CreateAccountEntity(cfg.Host, cfg.AccountName))
	if err != nil {
		return err
	}
	js.SetData(AccountEntityDataKey, account)
	return nil
}
