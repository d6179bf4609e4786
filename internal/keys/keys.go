// Package keys derives the graph node keys used by every stage.
//
// A key is "<kind>:<part>[:<part>...]". Parts are escaped so that a colon inside
// a source id can never make two different identities collide, and the kind
// prefix keeps overlapping numeric ids of different resources apart.
package keys

import (
	"strconv"
	"strings"
)

// Kind is the resource-kind prefix of a key.
type Kind string

const (
	KindAccount            Kind = "insightvm_account"
	KindUser               Kind = "insightvm_user"
	KindSite               Kind = "insightvm_site"
	KindAsset              Kind = "insightvm_asset"
	KindScan               Kind = "insightvm_scan"
	KindVulnerability      Kind = "insightvm_vulnerability"
	KindAssetVulnerability Kind = "insightvm_asset_vulnerability"
)

var partEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// MakeKey builds the key for kind and the given id parts.
func MakeKey(kind Kind, parts ...string) string {
	var b strings.Builder
	b.WriteString(string(kind))
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(partEscaper.Replace(p))
	}
	return b.String()
}

func AccountKey(host string) string {
	return MakeKey(KindAccount, host)
}

func UserKey(id int64) string {
	return MakeKey(KindUser, strconv.FormatInt(id, 10))
}

func SiteKey(id int64) string {
	return MakeKey(KindSite, strconv.FormatInt(id, 10))
}

func AssetKey(id int64) string {
	return MakeKey(KindAsset, strconv.FormatInt(id, 10))
}

func ScanKey(id int64) string {
	return MakeKey(KindScan, strconv.FormatInt(id, 10))
}

func VulnerabilityKey(id string) string {
	return MakeKey(KindVulnerability, id)
}

// FindingKey is the composite key of one vulnerability observed on one asset.
func FindingKey(assetID, vulnerabilityID string) string {
	return MakeKey(KindAssetVulnerability, assetID, vulnerabilityID)
}
