package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Kind classifies a file for tier selection
type Kind int

const (
	KindOther Kind = iota
	KindImage
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindDocument:
		return "document"
	default:
		return "other"
	}
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

var documentExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true,
	".json": true, ".html": true, ".htm": true, ".pdf": true, ".xlsx": true,
}

// KindForPath determines the kind from the file extension
func KindForPath(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExtensions[ext]:
		return KindImage
	case documentExtensions[ext]:
		return KindDocument
	default:
		return KindOther
	}
}

// FileDescriptor is an immutable snapshot of a file taken at scan time.
// A changed file gets a new descriptor; existing ones are never edited.
type FileDescriptor struct {
	Path    string
	Size    int64
	ModTime time.Time
	Hash    string // hex sha256, empty until hashed
	Kind    Kind
}

// WithHash returns a copy of d carrying the given content hash
func (d FileDescriptor) WithHash(hash string) FileDescriptor {
	d.Hash = hash
	return d
}

// Tier identifies the detection strategy that produced a group
type Tier string

const (
	TierExact      Tier = "exact"
	TierPerceptual Tier = "perceptual"
	TierSemantic   Tier = "semantic"
)

// Tiers lists every tier in reconciliation order
var Tiers = []Tier{TierExact, TierPerceptual, TierSemantic}

// DuplicateGroup is a set of files judged equivalent under one tier.
// Similarity is 1.0 for exact groups; for approximate tiers it is the
// weakest edge that joined the component.
type DuplicateGroup struct {
	ID         string
	Tier       Tier
	Members    []FileDescriptor
	Similarity float64
}

// GroupID derives a stable group id from the tier and member paths.
// The same members always produce the same id regardless of order.
func GroupID(tier Tier, members []FileDescriptor) string {
	paths := make([]string, len(members))
	for i, m := range members {
		paths[i] = m.Path
	}
	sort.Strings(paths)
	sum := sha256.Sum256([]byte(strings.Join(paths, "\x00")))
	return string(tier) + "-" + hex.EncodeToString(sum[:8])
}

// Reason is the structured explanation of a verdict
type Reason struct {
	Signal string  `json:"signal" yaml:"signal"`
	Value  float64 `json:"value" yaml:"value"`
}

func (r Reason) String() string {
	return fmt.Sprintf("%s=%.4g", r.Signal, r.Value)
}

// QualityVerdict records which member of a group is kept
type QualityVerdict struct {
	GroupID string
	Tier    Tier
	Keep    FileDescriptor
	Remove  []FileDescriptor
	Reason  Reason
}

// Exclusion is a file dropped from a tier's grouping for this run
type Exclusion struct {
	Path string
	Tier Tier
	Err  error
}

func (e Exclusion) String() string {
	return fmt.Sprintf("%s [%s]: %v", e.Path, e.Tier, e.Err)
}

// Signals are quality measurements of one file used to pick a keeper.
// Zero means the signal does not apply.
type Signals struct {
	Pixels          int64   // width * height for images
	WordCount       int     // documents
	TagCompleteness float64 // 0..1 share of populated audio tags
}
