package policydoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocuments = []byte("documents")
	bucketAnchors   = []byte("anchors")
)

// Store persists policy documents and hash anchors.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// NewStore initialises (and migrates) the BoltDB-backed store.
func NewStore(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDocuments, bucketAnchors} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// uniqueKey appends -2, -3, ... when base is already taken.
func uniqueKey(bucket *bolt.Bucket, base string) string {
	key := base
	for i := 2; bucket.Get([]byte(key)) != nil; i++ {
		key = fmt.Sprintf("%s-%d", base, i)
	}
	return key
}

// SaveDocument assigns a document id and creation time, stores the document
// and returns it with its integrity hash.
func (s *Store) SaveDocument(doc Document) (Document, string, error) {
	if strings.TrimSpace(doc.Version) == "" {
		return Document{}, "", fmt.Errorf("%w: version required", ErrInvalidMetadata)
	}
	if err := doc.Metadata.Validate(); err != nil {
		return Document{}, "", err
	}
	var hash string
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDocuments)
		now := s.now()
		doc.CreatedAt = now
		doc.DocumentID = uniqueKey(bucket, DocumentID(now))
		var err error
		hash, err = DocumentHash(doc)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(doc.DocumentID), encoded)
	})
	if err != nil {
		return Document{}, "", err
	}
	return doc, hash, nil
}

// Document fetches a document by id.
func (s *Store) Document(id string) (Document, error) {
	var doc Document
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDocuments).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &doc)
	})
	if errors.Is(err, ErrNotFound) {
		return Document{}, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return doc, err
}

// DocumentByVersion returns the most recent document with the given version.
func (s *Store) DocumentByVersion(version string) (Document, error) {
	var (
		found Document
		ok    bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(_, raw []byte) error {
			var doc Document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}
			if doc.Version == version {
				found, ok = doc, true
			}
			return nil
		})
	})
	if err != nil {
		return Document{}, err
	}
	if !ok {
		return Document{}, fmt.Errorf("%w: version %s", ErrNotFound, version)
	}
	return found, nil
}

// Summary is the listing form of a document.
type Summary struct {
	DocumentID    string `json:"document_id"`
	Title         string `json:"title"`
	Version       string `json:"version"`
	EffectiveDate string `json:"effective_date"`
	Issuer        string `json:"issuer"`
}

// ListDocuments returns every document summary in id order.
func (s *Store) ListDocuments() ([]Summary, error) {
	out := []Summary{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(_, raw []byte) error {
			var doc Document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}
			out = append(out, Summary{
				DocumentID:    doc.DocumentID,
				Title:         doc.Title,
				Version:       doc.Version,
				EffectiveDate: doc.EffectiveDate,
				Issuer:        doc.Issuer,
			})
			return nil
		})
	})
	return out, err
}

// Anchor records that policyHash was published against assetID.
func (s *Store) Anchor(policyHash, assetID, network string) (Anchor, error) {
	policyHash = strings.ToLower(strings.TrimSpace(policyHash))
	if policyHash == "" || strings.TrimSpace(assetID) == "" {
		return Anchor{}, fmt.Errorf("%w: policy hash and asset id required", ErrInvalidMetadata)
	}
	var anchor Anchor
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAnchors)
		now := s.now()
		anchor = Anchor{
			AnchorID:   uniqueKey(bucket, AnchorID(now)),
			PolicyHash: policyHash,
			AssetID:    strings.TrimSpace(assetID),
			Timestamp:  now,
			Network:    strings.TrimSpace(network),
		}
		encoded, err := json.Marshal(anchor)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(anchor.AnchorID), encoded)
	})
	if err != nil {
		return Anchor{}, err
	}
	return anchor, nil
}

// LatestAnchor returns the newest anchor for assetID.
func (s *Store) LatestAnchor(assetID string) (Anchor, error) {
	var (
		latest Anchor
		ok     bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAnchors).ForEach(func(_, raw []byte) error {
			var anchor Anchor
			if err := json.Unmarshal(raw, &anchor); err != nil {
				return err
			}
			if anchor.AssetID != assetID {
				return nil
			}
			if !ok || !anchor.Timestamp.Before(latest.Timestamp) {
				latest, ok = anchor, true
			}
			return nil
		})
	})
	if err != nil {
		return Anchor{}, err
	}
	if !ok {
		return Anchor{}, fmt.Errorf("%w: no anchor for asset %s", ErrNotFound, assetID)
	}
	return latest, nil
}
