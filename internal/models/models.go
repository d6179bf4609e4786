package models

import (
	"strings"
)

// Entity types written to the graph.
const (
	TypeAccount       = "insightvm_account"
	TypeUser          = "insightvm_user"
	TypeSite          = "insightvm_site"
	TypeAsset         = "insightvm_asset"
	TypeScan          = "insightvm_scan"
	TypeVulnerability = "insightvm_vulnerability"
	TypeFinding       = "insightvm_finding"
)

// Semantic entity classes.
const (
	ClassAccount       = "Account"
	ClassUser          = "User"
	ClassSite          = "Site"
	ClassDevice        = "Device"
	ClassAssessment    = "Assessment"
	ClassVulnerability = "Vulnerability"
	ClassFinding       = "Finding"
)

type RelationshipClass string

const (
	RelationshipHas      RelationshipClass = "HAS"
	RelationshipIs       RelationshipClass = "IS"
	RelationshipMonitors RelationshipClass = "MONITORS"
)

// RelationshipClasses lists every known relationship class.
var RelationshipClasses = []RelationshipClass{RelationshipHas, RelationshipIs, RelationshipMonitors}

// Valid reports whether c is one of the known relationship classes.
func (c RelationshipClass) Valid() bool {
	switch c {
	case RelationshipHas, RelationshipIs, RelationshipMonitors:
		return true
	}
	return false
}

// Entity is a node in the output graph. Key is globally unique and stable
// across runs; Properties carries the kind-specific attribute bag.
type Entity struct {
	Key        string         `json:"_key"`
	Type       string         `json:"_type"`
	Class      string         `json:"_class"`
	Properties map[string]any `json:"properties"`
}

// ID returns the source system id stored on the entity, or "" when absent.
func (e *Entity) ID() string {
	if e == nil || e.Properties == nil {
		return ""
	}
	id, _ := e.Properties["id"].(string)
	return id
}

// Relationship is a directed, typed edge. Key is derived from
// (FromKey, ToKey, Class) so equal triples always share a key.
type Relationship struct {
	Key        string            `json:"_key"`
	Type       string            `json:"_type"`
	Class      RelationshipClass `json:"_class"`
	FromKey    string            `json:"_fromEntityKey"`
	ToKey      string            `json:"_toEntityKey"`
	Properties map[string]any    `json:"properties,omitempty"`
}

// RelationshipType is the type name of a class of edges between two entity types.
func RelationshipType(fromType string, class RelationshipClass, toType string) string {
	return fromType + "_" + strings.ToLower(string(class)) + "_" + toType
}

// RelationshipKey is the key of the edge identified by (fromKey, toKey, class).
func RelationshipKey(fromKey string, class RelationshipClass, toKey string) string {
	return fromKey + "|" + strings.ToLower(string(class)) + "|" + toKey
}

// NewDirectRelationship builds the edge from -[class]-> to.
func NewDirectRelationship(class RelationshipClass, from, to *Entity) *Relationship {
	return &Relationship{
		Key:     RelationshipKey(from.Key, class, to.Key),
		Type:    RelationshipType(from.Type, class, to.Type),
		Class:   class,
		FromKey: from.Key,
		ToKey:   to.Key,
	}
}

// EntitySchema describes one kind of entity a stage may produce.
type EntitySchema struct {
	ResourceName string `json:"resource_name"`
	Type         string `json:"_type"`
	Class        string `json:"_class"`
}

// RelationshipSchema describes one kind of relationship a stage may produce.
type RelationshipSchema struct {
	Type       string            `json:"_type"`
	Class      RelationshipClass `json:"_class"`
	SourceType string            `json:"source_type"`
	TargetType string            `json:"target_type"`
}

func newRelationshipSchema(source string, class RelationshipClass, target string) RelationshipSchema {
	return RelationshipSchema{
		Type:       RelationshipType(source, class, target),
		Class:      class,
		SourceType: source,
		TargetType: target,
	}
}

var (
	AccountSchema       = EntitySchema{ResourceName: "Account", Type: TypeAccount, Class: ClassAccount}
	UserSchema          = EntitySchema{ResourceName: "User", Type: TypeUser, Class: ClassUser}
	SiteSchema          = EntitySchema{ResourceName: "Site", Type: TypeSite, Class: ClassSite}
	AssetSchema         = EntitySchema{ResourceName: "Asset", Type: TypeAsset, Class: ClassDevice}
	ScanSchema          = EntitySchema{ResourceName: "Scan", Type: TypeScan, Class: ClassAssessment}
	VulnerabilitySchema = EntitySchema{ResourceName: "Vulnerability", Type: TypeVulnerability, Class: ClassVulnerability}
	FindingSchema       = EntitySchema{ResourceName: "Asset Vulnerability", Type: TypeFinding, Class: ClassFinding}
)

var (
	AccountHasUser         = newRelationshipSchema(TypeAccount, RelationshipHas, TypeUser)
	AccountHasSite         = newRelationshipSchema(TypeAccount, RelationshipHas, TypeSite)
	AccountHasAsset        = newRelationshipSchema(TypeAccount, RelationshipHas, TypeAsset)
	SiteHasAsset           = newRelationshipSchema(TypeSite, RelationshipHas, TypeAsset)
	SiteHasScan            = newRelationshipSchema(TypeSite, RelationshipHas, TypeScan)
	ScanMonitorsAsset      = newRelationshipSchema(TypeScan, RelationshipMonitors, TypeAsset)
	AssetHasFinding        = newRelationshipSchema(TypeAsset, RelationshipHas, TypeFinding)
	FindingIsVulnerability = newRelationshipSchema(TypeFinding, RelationshipIs, TypeVulnerability)
)

var relationshipSchemas = map[string]RelationshipSchema{
	AccountHasUser.Type:         AccountHasUser,
	AccountHasSite.Type:         AccountHasSite,
	AccountHasAsset.Type:        AccountHasAsset,
	SiteHasAsset.Type:           SiteHasAsset,
	SiteHasScan.Type:            SiteHasScan,
	ScanMonitorsAsset.Type:      ScanMonitorsAsset,
	AssetHasFinding.Type:        AssetHasFinding,
	FindingIsVulnerability.Type: FindingIsVulnerability,
}

// LookupRelationshipSchema returns the declared schema for a relationship type.
func LookupRelationshipSchema(relType string) (RelationshipSchema, bool) {
	s, ok := relationshipSchemas[relType]
	return s, ok
}
