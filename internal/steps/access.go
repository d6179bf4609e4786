package steps

import (
	"context"

	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
)

func accessStages(src Source) []pipeline.Stage {
	return []pipeline.Stage{
		{
			ID:            FetchUsers,
			Name:          "Fetch Users",
			Entities:      []models.EntitySchema{models.UserSchema},
			Relationships: []models.RelationshipSchema{models.AccountHasUser},
			DependsOn:     []string{FetchAccount},
			Run: func(ctx context.Context, js *pipeline.JobState) error {
				return fetchUsers(ctx, js, src)
			},
		},
	}
}

func fetchUsers(ctx context.Context, js *pipeline.JobState, src Source) error {
	account, err := accountEntity(js)
	if err != nil {
		return err
	}

	return src.IterateUsers(ctx, func(u *models.User) error {
		user, err := js.AddEntity(ctx, CreateUserEntity(u))
		if err != nil {
			return err
		}
		_, err = js.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, account, user))
		return err
	})
}
