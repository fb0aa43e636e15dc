// Package csvio imports and exports subscriber lists. Import is how
// accounts migrated from the previous system arrive, carrying their
// legacy admin link; those links stay valid forever alongside the derived
// ones.
package csvio

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/service/subscriber"
	"github.com/COSCUP/newsletter/internal/token"
)

// ImportResult summarizes one import run.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Importer creates subscribers from CSV records.
type Importer struct {
	repo subscriber.Repository
	now  func() time.Time
}

func NewImporter(repo subscriber.Repository) *Importer {
	return &Importer{repo: repo, now: time.Now}
}

// Import reads records of the form email,name[,legacy_admin_link] and
// creates one subscriber per row with a fresh secret and ucode. Imported
// accounts are treated as already verified and subscribed; rows whose
// email already exists are skipped, never overwritten.
func (im *Importer) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	res := &ImportResult{}

	for line := 1; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if line == 1 && len(rec) > 0 && rec[0] == "email" {
			continue // header row
		}
		if len(rec) == 0 || rec[0] == "" {
			continue
		}

		email := subscriber.NormalizeEmail(rec[0])
		name := ""
		if len(rec) > 1 {
			name = rec[1]
		}
		var legacy *string
		if len(rec) > 2 && rec[2] != "" {
			l := rec[2]
			legacy = &l
		}

		if err := im.importOne(ctx, email, name, legacy); err != nil {
			if errors.Is(err, subscriber.ErrEmailExists) {
				res.Skipped++
			} else {
				res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, err))
			}
			continue
		}
		res.Imported++
	}
	return res, nil
}

func (im *Importer) importOne(ctx context.Context, email, name string, legacy *string) error {
	now := im.now()
	s := &domain.Subscriber{
		ID:                 uuid.New().String(),
		Email:              email,
		Name:               name,
		Status:             true,
		VerifiedEmail:      true,
		SecretCode:         token.GenerateSecretCode(),
		Ucode:              token.GenerateUcode(),
		LegacyAdminLink:    legacy,
		SubscriptionSource: "import",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := im.repo.Create(ctx, s)
	for errors.Is(err, subscriber.ErrUcodeExists) {
		s.Ucode = token.GenerateUcode()
		err = im.repo.Create(ctx, s)
	}
	return err
}

// Export writes all subscribers as CSV. Secrets are not exported; the
// legacy admin link is, so a re-import round-trips migrated accounts.
func Export(w io.Writer, subs []*domain.Subscriber) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"email", "name", "status", "verified_email", "legacy_admin_link", "subscription_source", "created_at"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, s := range subs {
		legacy := ""
		if s.LegacyAdminLink != nil {
			legacy = *s.LegacyAdminLink
		}
		rec := []string{
			s.Email,
			s.Name,
			strconv.FormatBool(s.Status),
			strconv.FormatBool(s.VerifiedEmail),
			legacy,
			s.SubscriptionSource,
			s.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
