// Package directory reads the business tables the broker consumes but does
// not own: robot access-control and pricing, operator delegations, user credit
// balances and platform settings. All four are read-only here; credit grants
// and ledger mutations live in a separate service.
package directory

import (
	"context"
	"fmt"
	"strconv"

	supabase "github.com/supabase-community/supabase-go"
)

// Robot is the ACL and pricing view of a robot. An absent or empty
// AllowedUsers list means open access.
type Robot struct {
	RobotID           string   `json:"robot_id"`
	AllowedUsers      []string `json:"allowed_users"`
	HourlyRateCredits float64  `json:"hourly_rate_credits"`
}

type operatorRow struct {
	RobotID string `json:"robot_id"`
	UserID  string `json:"user_id"`
}

type creditsRow struct {
	UserID  string  `json:"user_id"`
	Credits float64 `json:"credits"`
}

type settingRow struct {
	SettingKey   string `json:"setting_key"`
	SettingValue string `json:"setting_value"`
}

// DefaultMarkupPercent applies when the platform settings table has no
// platformMarkupPercent row.
const DefaultMarkupPercent = 30

// Tables names the directory tables. OperatorsTable is required; the others
// may be empty to disable the features that read them.
type Tables struct {
	Robots    string
	Operators string
	Credits   string
	Settings  string
}

// Directory wraps the Supabase client with the broker's read operations.
type Directory struct {
	client *supabase.Client
	tables Tables
}

func New(url, serviceKey string, tables Tables) (*Directory, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("directory: url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("directory: create client: %w", err)
	}
	return &Directory{client: client, tables: tables}, nil
}

// Robot returns the robot's ACL+pricing row, or nil when the robot is not in
// the table (the legacy open-access path).
func (d *Directory) Robot(ctx context.Context, robotID string) (*Robot, error) {
	if d.tables.Robots == "" {
		return nil, nil
	}
	var rows []Robot
	_, err := d.client.From(d.tables.Robots).
		Select("*", "", false).
		Eq("robot_id", robotID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("robot lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// IsOperator reports whether a delegation row exists for (robotID, userID).
func (d *Directory) IsOperator(ctx context.Context, robotID, userID string) (bool, error) {
	if d.tables.Operators == "" {
		return false, nil
	}
	var rows []operatorRow
	_, err := d.client.From(d.tables.Operators).
		Select("robot_id,user_id", "", false).
		Eq("robot_id", robotID).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return false, fmt.Errorf("operator lookup: %w", err)
	}
	return len(rows) > 0, nil
}

// Credits returns the user's credit balance, 0 when the user has no row.
func (d *Directory) Credits(ctx context.Context, userID string) (float64, error) {
	if d.tables.Credits == "" {
		return 0, nil
	}
	var rows []creditsRow
	_, err := d.client.From(d.tables.Credits).
		Select("user_id,credits", "", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return 0, fmt.Errorf("credits lookup: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Credits, nil
}

// MarkupPercent returns the platform markup applied on top of robot rates.
func (d *Directory) MarkupPercent(ctx context.Context) (float64, error) {
	if d.tables.Settings == "" {
		return DefaultMarkupPercent, nil
	}
	var rows []settingRow
	_, err := d.client.From(d.tables.Settings).
		Select("setting_key,setting_value", "", false).
		Eq("setting_key", "platformMarkupPercent").
		ExecuteTo(&rows)
	if err != nil {
		return DefaultMarkupPercent, fmt.Errorf("settings lookup: %w", err)
	}
	if len(rows) == 0 {
		return DefaultMarkupPercent, nil
	}
	v, err := strconv.ParseFloat(rows[0].SettingValue, 64)
	if err != nil {
		return DefaultMarkupPercent, fmt.Errorf("settings parse %q: %w", rows[0].SettingValue, err)
	}
	return v, nil
}
