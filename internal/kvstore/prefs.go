package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Fixed preference keys.
const (
	KeyRosterText  = "roster_text"
	KeyUseOracle   = "use_oracle"
	KeyOracleModel = "oracle_model"
)

// Preferences are the persisted per-user settings.
type Preferences struct {
	RosterText  string `json:"rosterText"`
	UseOracle   bool   `json:"useOracle"`
	OracleModel string `json:"oracleModel"`
}

// LoadPreferences reads all preference keys from s. Missing keys keep their
// zero value; a malformed boolean is treated as false.
func LoadPreferences(ctx context.Context, s Store) (Preferences, error) {
	var p Preferences
	var err error

	if p.RosterText, err = getOptional(ctx, s, KeyRosterText); err != nil {
		return Preferences{}, err
	}
	useOracle, err := getOptional(ctx, s, KeyUseOracle)
	if err != nil {
		return Preferences{}, err
	}
	p.UseOracle, _ = strconv.ParseBool(useOracle)
	if p.OracleModel, err = getOptional(ctx, s, KeyOracleModel); err != nil {
		return Preferences{}, err
	}
	return p, nil
}

// SaveRoster stores the raw roster text.
func SaveRoster(ctx context.Context, s Store, text string) error {
	return s.Set(ctx, KeyRosterText, text)
}

// SaveOracle stores the oracle toggle and model id.
func SaveOracle(ctx context.Context, s Store, useOracle bool, model string) error {
	if err := s.Set(ctx, KeyUseOracle, strconv.FormatBool(useOracle)); err != nil {
		return err
	}
	return s.Set(ctx, KeyOracleModel, model)
}

func getOptional(ctx context.Context, s Store, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kvstore: load %s: %w", key, err)
	}
	return v, nil
}
