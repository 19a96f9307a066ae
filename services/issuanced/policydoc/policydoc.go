package policydoc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"esgcoupon/services/issuanced/apperr"
)

var (
	ErrInvalidMetadata = apperr.New(apperr.ErrValidation, "policydoc: invalid metadata")
	ErrNotFound        = apperr.New(apperr.ErrNotFound, "policydoc: record not found")
)

// Metadata describes an issuance policy in ARC-3 form.
type Metadata struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Image         string            `json:"image,omitempty"`
	PolicyVersion string            `json:"policy_version"`
	ValidFrom     string            `json:"valid_from"`
	ValidUntil    string            `json:"valid_until"`
	RewardType    string            `json:"reward_type"`
	TargetRegion  string            `json:"target_region"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// Validate checks the required fields and the validity window.
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidMetadata)
	}
	if strings.TrimSpace(m.PolicyVersion) == "" {
		return fmt.Errorf("%w: policy_version required", ErrInvalidMetadata)
	}
	from, err := time.Parse(time.DateOnly, m.ValidFrom)
	if err != nil {
		return fmt.Errorf("%w: valid_from: %v", ErrInvalidMetadata, err)
	}
	until, err := time.Parse(time.DateOnly, m.ValidUntil)
	if err != nil {
		return fmt.Errorf("%w: valid_until: %v", ErrInvalidMetadata, err)
	}
	if until.Before(from) {
		return fmt.Errorf("%w: valid_until precedes valid_from", ErrInvalidMetadata)
	}
	return nil
}

// ARC3 renders the metadata as an ARC-3 document. Free-form properties are
// merged under "properties" but never override the policy fields.
func (m Metadata) ARC3() map[string]interface{} {
	props := make(map[string]interface{}, len(m.Properties)+5)
	for k, v := range m.Properties {
		props[k] = v
	}
	props["policy_version"] = m.PolicyVersion
	props["valid_from"] = m.ValidFrom
	props["valid_until"] = m.ValidUntil
	props["reward_type"] = m.RewardType
	props["target_region"] = m.TargetRegion
	doc := map[string]interface{}{
		"name":        m.Name,
		"description": m.Description,
		"properties":  props,
	}
	if m.Image != "" {
		doc["image"] = m.Image
	} else {
		doc["image"] = nil
	}
	return doc
}

// MetadataJSON is the canonical (sorted key) ARC-3 encoding.
func MetadataJSON(m Metadata) ([]byte, error) {
	return json.Marshal(m.ARC3())
}

// MetadataHash is the hex SHA-256 of MetadataJSON; it is the value written to
// the asset's metadata hash.
func MetadataHash(m Metadata) (string, error) {
	encoded, err := MetadataJSON(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Document is the off-network policy text tied to a metadata version.
type Document struct {
	DocumentID    string    `json:"document_id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Version       string    `json:"version"`
	EffectiveDate string    `json:"effective_date"`
	ExpiryDate    string    `json:"expiry_date"`
	Issuer        string    `json:"issuer"`
	Metadata      Metadata  `json:"metadata"`
	CreatedAt     time.Time `json:"created_at"`
}

// DocumentID formats the identifier of a document created at t.
func DocumentID(t time.Time) string {
	return "POL-" + t.UTC().Format("20060102150405")
}

// DocumentHash is the hex SHA-256 of the document's JSON with keys sorted at
// every level.
func DocumentHash(doc Document) (string, error) {
	canonical, err := canonicalJSON(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyIntegrity reports whether doc still hashes to storedHash.
func VerifyIntegrity(doc Document, storedHash string) (bool, error) {
	calculated, err := DocumentHash(doc)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(calculated, strings.TrimSpace(storedHash)), nil
}

// Anchor records a policy hash published against an asset.
type Anchor struct {
	AnchorID   string    `json:"anchor_id"`
	PolicyHash string    `json:"policy_hash"`
	AssetID    string    `json:"asset_id"`
	Timestamp  time.Time `json:"timestamp"`
	Network    string    `json:"network"`
}

// AnchorID formats the identifier of an anchor made at t.
func AnchorID(t time.Time) string {
	return "ANCHOR-" + t.UTC().Format("20060102150405")
}

func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
