// Package steps holds the synchronization stages that turn InsightVM
// resources into graph entities and relationships.
package steps

import (
	"context"
	"fmt"

	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
)

// Stage ids.
const (
	FetchAccount              = "fetch-account"
	FetchUsers                = "fetch-users"
	FetchSites                = "fetch-sites"
	FetchAssets               = "fetch-assets"
	FetchSiteAssets           = "fetch-site-assets"
	FetchScans                = "fetch-scans"
	FetchScanAssets           = "fetch-scan-assets"
	FetchAssetVulnerabilities = "fetch-asset-vulnerabilities"
)

// AccountEntityDataKey names the account entity published by fetch-account.
const AccountEntityDataKey = "ACCOUNT_ENTITY"

// Source is the remote inventory the stages read from.
// *insightvm.Client satisfies it.
type Source interface {
	VerifyAuthentication(ctx context.Context) error
	IterateUsers(ctx context.Context, visit func(*models.User) error) error
	IterateSites(ctx context.Context, visit func(*models.Site) error) error
	IterateAssets(ctx context.Context, visit func(*models.Asset) error) error
	IterateSiteAssets(ctx context.Context, siteID string, visit func(*models.Asset) error) error
	IterateScans(ctx context.Context, visit func(*models.Scan) error) error
	IterateSiteScans(ctx context.Context, siteID string, visit func(*models.Scan) error) error
	IterateAssetVulnerabilities(ctx context.Context, assetID string, visit func(*models.AssetVulnerability) error) error
}

type Config struct {
	// Host identifies the console and keys the account entity.
	Host        string
	AccountName string
	// AssetConcurrency bounds assets whose vulnerabilities are fetched at once.
	AssetConcurrency int
	// JoinConcurrency bounds relationship writes per site in fetch-scan-assets.
	JoinConcurrency int
}

// All returns every stage in declaration order.
func All(src Source, cfg Config) []pipeline.Stage {
	if cfg.AssetConcurrency < 1 {
		cfg.AssetConcurrency = 1
	}
	if cfg.JoinConcurrency < 1 {
		cfg.JoinConcurrency = 1
	}

	var stages []pipeline.Stage
	stages = append(stages, accountStages(src, cfg)...)
	stages = append(stages, accessStages(src)...)
	stages = append(stages, siteStages(src)...)
	stages = append(stages, assetStages(src)...)
	stages = append(stages, scanStages(src, cfg)...)
	stages = append(stages, vulnerabilityStages(src, cfg)...)
	return stages
}

// Descriptors lists the serializable view of every stage.
func Descriptors() []pipeline.Descriptor {
	stages := All(nil, Config{})
	out := make([]pipeline.Descriptor, 0, len(stages))
	for _, s := range stages {
		out = append(out, s.Descriptor())
	}
	return out
}

func accountEntity(js *pipeline.JobState) (*models.Entity, error) {
	v, err := js.GetData(AccountEntityDataKey)
	if err != nil {
		return nil, err
	}
	account, ok := v.(*models.Entity)
	if !ok || account == nil {
		return nil, fmt.Errorf("job state value %s has type %T", AccountEntityDataKey, v)
	}
	return account, nil
}

// linkIfPresent adds from -[class]-> to when the entity at toKey is stored.
// It reports whether a relationship was written.
func linkIfPresent(ctx context.Context, js *pipeline.JobState, class models.RelationshipClass, from *models.Entity, toKey string) (bool, error) {
	to, err := js.FindEntity(ctx, toKey)
	if err != nil {
		return false, fmt.Errorf("finding %s: %w", toKey, err)
	}
	if to == nil {
		return false, nil
	}
	if _, err := js.AddRelationship(ctx, models.NewDirectRelationship(class, from, to)); err != nil {
		return false, err
	}
	return true, nil
}
