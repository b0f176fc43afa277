package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/unclebandit/smsblast/internal/model"
	"github.com/unclebandit/smsblast/internal/queue"
	"github.com/unclebandit/smsblast/internal/repository"
)

// Contact fields a CSV column can map to.
const (
	FieldPhone     = "phone"
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldEmail     = "email"
)

var fallbackHeaders = map[string][]string{
	FieldPhone:     {"phone", "phone_number", "mobile"},
	FieldFirstName: {"first_name", "firstname", "first"},
	FieldLastName:  {"last_name", "lastname", "last"},
	FieldEmail:     {"email", "email_address"},
}

var headerSpace = regexp.MustCompile(`\s+`)

// ImportWorker turns one CSV payload into contact upserts.
type ImportWorker struct {
	ContactRepo repository.ContactRepositoryInterface
	Status      queue.StatusStore
	BatchSize   int
}

// csvRecord is one data row keyed by normalized header.
type csvRecord struct {
	line   int
	fields map[string]string
}

func (w *ImportWorker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var payload model.ContactImportJob
	if err := job.Decode(&payload); err != nil {
		return nil, err
	}
	if payload.OrgID == "" {
		return nil, queue.Permanent(fmt.Errorf("import job %s: orgId is required", job.ID))
	}
	logger := log.With().Str("job_id", job.ID).Str("org_id", payload.OrgID).Logger()

	records, malformed, err := parseCSV(payload.CSVData)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("parse csv: %w", err))
	}
	logger.Info().Int("rows", len(records)).Int("malformed", len(malformed)).
		Strs("category", payload.Category).Msg("📥 Importing contacts")

	progress := &model.ImportProgress{
		Total:     len(records) + len(malformed),
		Processed: len(malformed),
		Skipped:   len(malformed),
		Errors:    []string{},
	}
	for _, line := range malformed {
		progress.Errors = append(progress.Errors, fmt.Sprintf("Row %d: malformed CSV row", line))
	}
	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		w.importBatch(ctx, payload, records[start:end], start, progress)
		progress.Processed = len(malformed) + end

		if w.Status != nil {
			if err := w.Status.SetProgress(ctx, job.ID, progress); err != nil {
				logger.Warn().Err(err).Msg("failed to publish import progress")
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if err := w.ContactRepo.RefreshCategoryCounts(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to refresh category counts")
	}

	logger.Info().Int("created", progress.Created).Int("updated", progress.Updated).
		Int("skipped", progress.Skipped).Int("errors", len(progress.Errors)).Msg("✅ Import complete")
	return progress, nil
}

// importBatch never fails the job: a database error skips the batch.
func (w *ImportWorker) importBatch(ctx context.Context, payload model.ContactImportJob, batch []csvRecord, offset int, progress *model.ImportProgress) {
	rows := make([]model.ImportRow, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))

	for _, rec := range batch {
		raw := resolveField(rec.fields, payload.Mapping, FieldPhone)
		if raw == "" {
			progress.Skipped++
			progress.Errors = append(progress.Errors, fmt.Sprintf("Row %d: Missing phone number", rec.line))
			continue
		}
		phone := NormalizePhone(raw)
		if !ValidPhone(phone) {
			progress.Skipped++
			progress.Errors = append(progress.Errors, fmt.Sprintf("Row %d: Invalid phone format after normalization: %s", rec.line, phone))
			continue
		}
		if _, dup := seen[phone]; dup {
			progress.Skipped++
			progress.Errors = append(progress.Errors, fmt.Sprintf("Row %d: Duplicate phone number in CSV: %s", rec.line, phone))
			continue
		}
		seen[phone] = struct{}{}

		rows = append(rows, model.ImportRow{
			Line:      rec.line,
			Phone:     phone,
			FirstName: optional(resolveField(rec.fields, payload.Mapping, FieldFirstName)),
			LastName:  optional(resolveField(rec.fields, payload.Mapping, FieldLastName)),
			Email:     optional(resolveField(rec.fields, payload.Mapping, FieldEmail)),
		})
	}
	if len(rows) == 0 {
		return
	}

	batchLabel := fmt.Sprintf("Batch %d-%d", offset+1, offset+len(batch))
	candidates, err := w.excludeExisting(ctx, payload, rows, progress)
	if err != nil {
		progress.Skipped += len(rows)
		progress.Errors = append(progress.Errors, fmt.Sprintf("%s: %v", batchLabel, err))
		return
	}
	if len(candidates) == 0 {
		return
	}

	created, updated, err := w.ContactRepo.UpsertBatch(ctx, payload.OrgID, candidates, payload.Category)
	if err != nil {
		log.Error().Err(err).Str("org_id", payload.OrgID).Msgf("❌ %s failed", batchLabel)
		progress.Skipped += len(candidates)
		progress.Errors = append(progress.Errors, fmt.Sprintf("%s: %v", batchLabel, err))
		return
	}
	progress.Created += created
	progress.Updated += updated
}

// excludeExisting drops rows whose contact is opted out or deleted, and rows
// whose contact already carries every requested category.
func (w *ImportWorker) excludeExisting(ctx context.Context, payload model.ContactImportJob, rows []model.ImportRow, progress *model.ImportProgress) ([]model.ImportRow, error) {
	phones := make([]string, len(rows))
	for i, row := range rows {
		phones[i] = row.Phone
	}
	existing, err := w.ContactRepo.FindByPhones(ctx, payload.OrgID, phones)
	if err != nil {
		return nil, err
	}

	active := make(map[string]*model.Contact, len(existing))
	retired := make(map[string]bool, len(existing))
	for i := range existing {
		c := &existing[i]
		if c.DeletedAt == nil {
			active[c.Phone] = c
		} else {
			retired[c.Phone] = true
		}
	}

	out := make([]model.ImportRow, 0, len(rows))
	for _, row := range rows {
		c, ok := active[row.Phone]
		switch {
		case ok && c.OptedOutAt != nil, !ok && retired[row.Phone]:
			progress.Skipped++
			progress.Errors = append(progress.Errors, fmt.Sprintf("Row %d: Contact %s is opted-out or deleted, skipping", row.Line, row.Phone))
		case ok && c.HasCategories(payload.Category):
			progress.Skipped++
			progress.Errors = append(progress.Errors, fmt.Sprintf("Row %d: Contact %s already exists in this category, skipping", row.Line, row.Phone))
		default:
			out = append(out, row)
		}
	}
	return out, nil
}

// parseCSV reads the header and every non-empty data row. Line numbers are
// 1-based and count the header. Rows the reader cannot parse come back as
// line numbers for the caller to skip; only an unreadable header is an error.
func parseCSV(data string) ([]csvRecord, []int, error) {
	r := csv.NewReader(strings.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	for i, h := range header {
		header[i] = normalizeHeader(h)
	}

	var (
		records   []csvRecord
		malformed []int
	)
	for {
		cells, err := r.Read()
		if err == io.EOF {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			malformed = append(malformed, perr.StartLine)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		line, _ := r.FieldPos(0)
		if blankRow(cells) {
			continue
		}
		fields := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(cells) {
				fields[h] = strings.TrimSpace(cells[i])
			}
		}
		records = append(records, csvRecord{line: line, fields: fields})
	}
	return records, malformed, nil
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return headerSpace.ReplaceAllString(strings.ToLower(strings.TrimSpace(h)), "_")
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// resolveField reads field from a row, first through the explicit
// header mapping, then through the fallback header names.
func resolveField(fields, mapping map[string]string, field string) string {
	for header, target := range mapping {
		if target == field {
			if v := fields[normalizeHeader(header)]; v != "" {
				return v
			}
		}
	}
	for _, key := range fallbackHeaders[field] {
		if v := fields[key]; v != "" {
			return v
		}
	}
	if field == FieldPhone {
		headers := make([]string, 0, len(fields))
		for h := range fields {
			headers = append(headers, h)
		}
		sort.Strings(headers)
		for _, h := range headers {
			if strings.Contains(h, "phone") && fields[h] != "" {
				return fields[h]
			}
		}
	}
	return ""
}
