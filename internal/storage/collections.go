package storage

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/dealmark/internal/deal"
)

// DecodeDeals parses a deal collection that may be either a JSON array of
// deals or an ID-keyed object; both shapes occur in real exports. Empty or
// missing input yields an empty map.
func DecodeDeals(data []byte) (map[string]deal.Deal, error) {
	deals := make(map[string]deal.Deal)
	if len(data) == 0 {
		return deals, nil
	}
	if data[0] == '[' {
		var list []deal.Deal
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parsing deal collection: %w", err)
		}
		for _, d := range list {
			if d.ID != "" {
				deals[d.ID] = d
			}
		}
		return deals, nil
	}
	if err := json.Unmarshal(data, &deals); err != nil {
		return nil, fmt.Errorf("parsing deal collection: %w", err)
	}
	return deals, nil
}

// DecodeAnalyses parses an analysis collection, accepting the same array or
// object shapes as DecodeDeals.
func DecodeAnalyses(data []byte) (map[string]deal.Analysis, error) {
	analyses := make(map[string]deal.Analysis)
	if len(data) == 0 {
		return analyses, nil
	}
	if data[0] == '[' {
		var list []deal.Analysis
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parsing analysis collection: %w", err)
		}
		for _, a := range list {
			if a.DealID != "" {
				analyses[a.DealID] = a
			}
		}
		return analyses, nil
	}
	if err := json.Unmarshal(data, &analyses); err != nil {
		return nil, fmt.Errorf("parsing analysis collection: %w", err)
	}
	return analyses, nil
}
