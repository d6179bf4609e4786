package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRecord is returned by Validate when a source record is missing a
// field the builders rely on.
var ErrInvalidRecord = errors.New("invalid source record")

// Link is a hypermedia link attached to every InsightVM resource.
type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type Links []Link

// Self returns the href of the first link with rel "self".
func (l Links) Self() (string, bool) {
	for _, link := range l {
		if link.Rel == "self" {
			return link.Href, true
		}
	}
	return "", false
}

func (l Links) validate() error {
	for i, link := range l {
		if link.Rel == "" || link.Href == "" {
			return fmt.Errorf("%w: link %d missing rel or href", ErrInvalidRecord, i)
		}
	}
	return nil
}

// VulnerabilityCounts is the per-severity summary InsightVM attaches to
// sites, assets and scans.
type VulnerabilityCounts struct {
	Critical int `json:"critical"`
	Moderate int `json:"moderate"`
	Severe   int `json:"severe"`
	Total    int `json:"total"`
}

type User struct {
	ID      int64  `json:"id"`
	Login   string `json:"login"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Enabled bool   `json:"enabled"`
	Locked  bool   `json:"locked"`
	Links   Links  `json:"links"`
}

func (u *User) Validate() error {
	if u.ID <= 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidRecord)
	}
	if u.Login == "" {
		return fmt.Errorf("%w: user %d has no login", ErrInvalidRecord, u.ID)
	}
	return u.Links.validate()
}

type Site struct {
	ID              int64               `json:"id"`
	Name            string              `json:"name"`
	Description     string              `json:"description"`
	Importance      string              `json:"importance"`
	Type            string              `json:"type"`
	RiskScore       float64             `json:"riskScore"`
	Assets          int                 `json:"assets"`
	LastScanTime    string              `json:"lastScanTime"`
	ScanEngine      int64               `json:"scanEngine"`
	ScanTemplate    string              `json:"scanTemplate"`
	Vulnerabilities VulnerabilityCounts `json:"vulnerabilities"`
	Links           Links               `json:"links"`
}

func (s *Site) Validate() error {
	if s.ID <= 0 {
		return fmt.Errorf("%w: site id is required", ErrInvalidRecord)
	}
	return s.Links.validate()
}

type Asset struct {
	ID              int64               `json:"id"`
	HostName        string              `json:"hostName"`
	IP              string              `json:"ip"`
	MAC             string              `json:"mac"`
	OS              string              `json:"os"`
	Type            string              `json:"type"`
	RiskScore       float64             `json:"riskScore"`
	Vulnerabilities VulnerabilityCounts `json:"vulnerabilities"`
	Links           Links               `json:"links"`
}

func (a *Asset) Validate() error {
	if a.ID <= 0 {
		return fmt.Errorf("%w: asset id is required", ErrInvalidRecord)
	}
	return a.Links.validate()
}

// DisplayName is the host name when known, otherwise the address.
func (a *Asset) DisplayName() string {
	if a.HostName != "" {
		return a.HostName
	}
	return a.IP
}

type Scan struct {
	ID              int64               `json:"id"`
	ScanName        string              `json:"scanName"`
	ScanType        string              `json:"scanType"`
	Status          string              `json:"status"`
	StartTime       string              `json:"startTime"`
	EndTime         string              `json:"endTime"`
	Duration        string              `json:"duration"`
	EngineName      string              `json:"engineName"`
	SiteID          int64               `json:"siteId"`
	Assets          int                 `json:"assets"`
	Vulnerabilities VulnerabilityCounts `json:"vulnerabilities"`
	Links           Links               `json:"links"`
}

func (s *Scan) Validate() error {
	if s.ID <= 0 {
		return fmt.Errorf("%w: scan id is required", ErrInvalidRecord)
	}
	return s.Links.validate()
}

// AssetVulnerability is one vulnerability reported against one asset.
type AssetVulnerability struct {
	ID        string `json:"id"`
	Instances int    `json:"instances"`
	Status    string `json:"status"`
	Since     string `json:"since"`
	Links     Links  `json:"links"`
}

// Asset vulnerability statuses reported by InsightVM.
const (
	VulnerabilityStatusVulnerable        = "vulnerable"
	VulnerabilityStatusVulnerableVersion = "vulnerable-version"
	VulnerabilityStatusPotential         = "potential"
)

func (v *AssetVulnerability) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("%w: asset vulnerability id is required", ErrInvalidRecord)
	}
	if v.Status == "" {
		return fmt.Errorf("%w: asset vulnerability %s has no status", ErrInvalidRecord, v.ID)
	}
	return v.Links.validate()
}
