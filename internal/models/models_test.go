package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDirectRelationship(t *testing.T) {
	site := &Entity{Key: "insightvm_site:1", Type: TypeSite, Class: ClassSite}
	asset := &Entity{Key: "insightvm_asset:2", Type: TypeAsset, Class: ClassDevice}

	rel := NewDirectRelationship(RelationshipHas, site, asset)

	assert.Equal(t, "insightvm_site:1|has|insightvm_asset:2", rel.Key)
	assert.Equal(t, SiteHasAsset.Type, rel.Type)
	assert.Equal(t, RelationshipHas, rel.Class)
	assert.Equal(t, site.Key, rel.FromKey)
	assert.Equal(t, asset.Key, rel.ToKey)

	again := NewDirectRelationship(RelationshipHas, site, asset)
	assert.Equal(t, rel.Key, again.Key)

	other := NewDirectRelationship(RelationshipMonitors, site, asset)
	assert.NotEqual(t, rel.Key, other.Key)
}

func TestEntityID(t *testing.T) {
	var nilEntity *Entity
	assert.Equal(t, "", nilEntity.ID())
	assert.Equal(t, "", (&Entity{}).ID())
	assert.Equal(t, "9", (&Entity{Properties: map[string]any{"id": "9"}}).ID())
}

func TestLinksSelf(t *testing.T) {
	tests := []struct {
		name   string
		links  Links
		href   string
		exists bool
	}{
		{"absent", Links{{Href: "https://vm/api/3/sites", Rel: "collection"}}, "", false},
		{"empty", nil, "", false},
		{"first self wins", Links{
			{Href: "https://vm/api/3/users/1", Rel: "self"},
			{Href: "https://vm/api/3/users/1?dup", Rel: "self"},
		}, "https://vm/api/3/users/1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			href, ok := tt.links.Self()
			assert.Equal(t, tt.exists, ok)
			assert.Equal(t, tt.href, href)
		})
	}
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name   string
		record interface{ Validate() error }
		valid  bool
	}{
		{"user ok", &User{ID: 1, Login: "admin"}, true},
		{"user without id", &User{Login: "admin"}, false},
		{"user without login", &User{ID: 1}, false},
		{"user bad link", &User{ID: 1, Login: "a", Links: Links{{Rel: "self"}}}, false},
		{"site ok", &Site{ID: 3}, true},
		{"site without id", &Site{Name: "x"}, false},
		{"asset ok", &Asset{ID: 4}, true},
		{"asset negative id", &Asset{ID: -4}, false},
		{"scan ok", &Scan{ID: 5}, true},
		{"scan without id", &Scan{}, false},
		{"vuln ok", &AssetVulnerability{ID: "ssh-cbc", Status: "vulnerable"}, true},
		{"vuln blank id", &AssetVulnerability{ID: "  ", Status: "vulnerable"}, false},
		{"vuln without status", &AssetVulnerability{ID: "ssh-cbc"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidRecord), "expected ErrInvalidRecord, got %v", err)
		})
	}
}

func TestAssetDisplayName(t *testing.T) {
	assert.Equal(t, "web01", (&Asset{HostName: "web01", IP: "10.0.0.1"}).DisplayName())
	assert.Equal(t, "10.0.0.1", (&Asset{IP: "10.0.0.1"}).DisplayName())
}

func TestLookupRelationshipSchema(t *testing.T) {
	s, ok := LookupRelationshipSchema(ScanMonitorsAsset.Type)
	assert.True(t, ok)
	assert.Equal(t, RelationshipMonitors, s.Class)

	_, ok = LookupRelationshipSchema("insightvm_unknown")
	assert.False(t, ok)

	for _, c := range RelationshipClasses {
		assert.True(t, c.Valid(), string(c))
	}
}
