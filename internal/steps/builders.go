package steps

import (
	"strconv"

	"github.com/qualys/vmgraph/internal/keys"
	"github.com/qualys/vmgraph/internal/models"
)

func newEntity(schema models.EntitySchema, key string, props map[string]any) *models.Entity {
	return &models.Entity{
		Key:        key,
		Type:       schema.Type,
		Class:      schema.Class,
		Properties: props,
	}
}

// setIf sets props[name] unless value is the zero value of its type.
func setIf[T comparable](props map[string]any, name string, value T) {
	var zero T
	if value != zero {
		props[name] = value
	}
}

func setWebLink(props map[string]any, links models.Links) {
	if href, ok := links.Self(); ok {
		props["webLink"] = href
	}
}

func setVulnerabilityCounts(props map[string]any, c models.VulnerabilityCounts) {
	props["criticalVulnerabilities"] = c.Critical
	props["severeVulnerabilities"] = c.Severe
	props["moderateVulnerabilities"] = c.Moderate
	props["totalVulnerabilities"] = c.Total
}

// CreateAccountEntity builds the root entity for one InsightVM console.
func CreateAccountEntity(host, name string) *models.Entity {
	if name == "" {
		name = "InsightVM " + host
	}
	return newEntity(models.AccountSchema, keys.AccountKey(host), map[string]any{
		"id":          host,
		"name":        name,
		"displayName": name,
		"host":        host,
	})
}

func CreateUserEntity(u *models.User) *models.Entity {
	props := map[string]any{
		"id":       strconv.FormatInt(u.ID, 10),
		"username": u.Login,
		"active":   u.Enabled && !u.Locked,
	}
	setIf(props, "name", u.Name)
	setIf(props, "displayName", u.Name)
	setIf(props, "email", u.Email)
	setWebLink(props, u.Links)
	return newEntity(models.UserSchema, keys.UserKey(u.ID), props)
}

func CreateSiteEntity(s *models.Site) *models.Entity {
	props := map[string]any{
		"id":        strconv.FormatInt(s.ID, 10),
		"name":      s.Name,
		"riskScore": s.RiskScore,
		"assets":    s.Assets,
	}
	setIf(props, "description", s.Description)
	setIf(props, "importance", s.Importance)
	setIf(props, "siteType", s.Type)
	setIf(props, "lastScanTime", s.LastScanTime)
	setIf(props, "scanEngine", s.ScanEngine)
	setIf(props, "scanTemplate", s.ScanTemplate)
	setVulnerabilityCounts(props, s.Vulnerabilities)
	setWebLink(props, s.Links)
	return newEntity(models.SiteSchema, keys.SiteKey(s.ID), props)
}

func CreateAssetEntity(a *models.Asset) *models.Entity {
	props := map[string]any{
		"id":        strconv.FormatInt(a.ID, 10),
		"riskScore": a.RiskScore,
	}
	setIf(props, "name", a.DisplayName())
	setIf(props, "hostname", a.HostName)
	setIf(props, "ipAddress", a.IP)
	setIf(props, "macAddress", a.MAC)
	setIf(props, "os", a.OS)
	setIf(props, "assetType", a.Type)
	setVulnerabilityCounts(props, a.Vulnerabilities)
	setWebLink(props, a.Links)
	return newEntity(models.AssetSchema, keys.AssetKey(a.ID), props)
}

func CreateScanEntity(s *models.Scan) *models.Entity {
	props := map[string]any{
		"id":     strconv.FormatInt(s.ID, 10),
		"assets": s.Assets,
	}
	setIf(props, "name", s.ScanName)
	setIf(props, "scanType", s.ScanType)
	setIf(props, "status", s.Status)
	setIf(props, "startedOn", s.StartTime)
	setIf(props, "completedOn", s.EndTime)
	setIf(props, "duration", s.Duration)
	setIf(props, "engineName", s.EngineName)
	if s.SiteID > 0 {
		props["siteId"] = strconv.FormatInt(s.SiteID, 10)
	}
	setVulnerabilityCounts(props, s.Vulnerabilities)
	setWebLink(props, s.Links)
	return newEntity(models.ScanSchema, keys.ScanKey(s.ID), props)
}

// CreateFindingEntity builds the occurrence of v on the asset with assetID.
// "open" is only recorded for a confirmed vulnerable status.
func CreateFindingEntity(v *models.AssetVulnerability, assetID string) *models.Entity {
	props := map[string]any{
		"id":       v.ID,
		"name":     v.ID,
		"category": "host",
		"status":   v.Status,
		// TODO: take severity from /api/3/vulnerabilities/{id} once that
		// endpoint is fetched; these are placeholders.
		"severity":        "unknown",
		"numericSeverity": 5,
	}
	if v.Status == models.VulnerabilityStatusVulnerable {
		props["open"] = true
	}
	setIf(props, "instances", v.Instances)
	setIf(props, "since", v.Since)
	setWebLink(props, v.Links)
	return newEntity(models.FindingSchema, keys.FindingKey(assetID, v.ID), props)
}

// CreateVulnerabilityEntity builds the shared vulnerability node for v.
func CreateVulnerabilityEntity(v *models.AssetVulnerability) *models.Entity {
	return newEntity(models.VulnerabilitySchema, keys.VulnerabilityKey(v.ID), map[string]any{
		"id":         v.ID,
		"name":       v.ID,
		"category":   "other",
		"severity":   "critical",
		"blocking":   false,
		"open":       false,
		"production": false,
		"public":     true,
	})
}
