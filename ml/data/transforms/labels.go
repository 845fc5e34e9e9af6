// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transforms

import (
	"encoding/json"
	"iter"
	"os"
	"path"
	"slices"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LabelEncoder maps string labels to contiguous integer ids, in sorted label order.
//
// The ids can be used directly as the conditions of a runningnorm.ConditionedNorm.
type LabelEncoder struct {
	// Key names the labels, and the file where they are stored.
	Key string

	// StorageDir, if set, is where the vocabulary is stored as "<Key>.json". A "~" prefix is
	// replaced by the user's home directory.
	StorageDir string

	labels []string
	ids    map[string]int
}

// NewLabelEncoder creates an uninitialized LabelEncoder. Call Initialize before using it.
func NewLabelEncoder(key, storageDir string) *LabelEncoder {
	return &LabelEncoder{Key: key, StorageDir: storageDir}
}

// Path of the file storing the vocabulary, or "" if StorageDir is not set.
func (e *LabelEncoder) Path() string {
	if e.StorageDir == "" {
		return ""
	}
	return path.Join(data.ReplaceTildeInDir(e.StorageDir), e.Key+".json")
}

// Initialize the vocabulary: it is restored from Path if it exists, otherwise it is collected
// from labels and saved to Path (if StorageDir is set).
//
// labels may be nil if the vocabulary is restored.
func (e *LabelEncoder) Initialize(labels iter.Seq[string]) error {
	filePath := e.Path()
	if filePath != "" && data.FileExists(filePath) {
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read labels from %q", filePath)
		}
		var vocabulary []string
		if err = json.Unmarshal(contents, &vocabulary); err != nil {
			return errors.Wrapf(err, "failed to parse labels in %q", filePath)
		}
		klog.V(1).Infof("Restored %d labels from %q", len(vocabulary), filePath)
		e.setVocabulary(vocabulary)
		return nil
	}

	if labels == nil {
		return errors.Errorf("LabelEncoder(%q): no labels given, and no stored labels found", e.Key)
	}
	seen := make(map[string]bool)
	var vocabulary []string
	for label := range labels {
		if !seen[label] {
			seen[label] = true
			vocabulary = append(vocabulary, label)
		}
	}
	slices.Sort(vocabulary)
	if filePath != "" {
		contents, err := json.MarshalIndent(vocabulary, "", "    ")
		if err != nil {
			return errors.Wrapf(err, "failed to serialize labels for %q", e.Key)
		}
		if err = os.WriteFile(filePath, contents, 0644); err != nil {
			return errors.Wrapf(err, "failed to save labels to %q", filePath)
		}
		klog.V(1).Infof("Saved %d labels to %q", len(vocabulary), filePath)
	}
	e.setVocabulary(vocabulary)
	return nil
}

func (e *LabelEncoder) setVocabulary(vocabulary []string) {
	e.labels = vocabulary
	e.ids = make(map[string]int, len(vocabulary))
	for id, label := range vocabulary {
		e.ids[label] = id
	}
}

// Labels returns the vocabulary, indexed by id. It must not be changed.
func (e *LabelEncoder) Labels() []string {
	return e.labels
}

// Encode returns the id of label.
func (e *LabelEncoder) Encode(label string) (int, error) {
	if e.ids == nil {
		return 0, errors.Errorf("LabelEncoder(%q) not initialized", e.Key)
	}
	id, found := e.ids[label]
	if !found {
		return 0, errors.Errorf("LabelEncoder(%q): unknown label %q", e.Key, label)
	}
	return id, nil
}

// EncodeAll returns the ids of labels.
func (e *LabelEncoder) EncodeAll(labels []string) ([]int, error) {
	ids := make([]int, len(labels))
	for ii, label := range labels {
		id, err := e.Encode(label)
		if err != nil {
			return nil, err
		}
		ids[ii] = id
	}
	return ids, nil
}

// Decode returns the label of id.
func (e *LabelEncoder) Decode(id int) (string, error) {
	if id < 0 || id >= len(e.labels) {
		return "", errors.Errorf("LabelEncoder(%q): id %d out of range, there are %d labels", e.Key, id, len(e.labels))
	}
	return e.labels[id], nil
}
