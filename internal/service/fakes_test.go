package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
	"github.com/unclebandit/smsblast/internal/ledger"
	"github.com/unclebandit/smsblast/internal/model"
	"github.com/unclebandit/smsblast/internal/provider"
	"github.com/unclebandit/smsblast/internal/queue"
	"github.com/unclebandit/smsblast/internal/repository"
)

// fakeDB is an in-memory stand-in for every repository the workers use.
type fakeDB struct {
	mu sync.Mutex

	orgs       map[string]*model.Organization
	rates      map[string]decimal.Decimal
	campaigns  map[string]*model.Campaign
	contacts   []*model.Contact
	recipients map[string]map[string]bool // campaign -> contact -> queued
	messages   map[string]*model.SMSMessage
	entries    []model.LedgerEntry

	completions int
	refreshes   int
	upserts     int
	nextID      int

	billErr   error
	upsertErr func(call int) error
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		orgs:       map[string]*model.Organization{},
		rates:      map[string]decimal.Decimal{},
		campaigns:  map[string]*model.Campaign{},
		recipients: map[string]map[string]bool{},
		messages:   map[string]*model.SMSMessage{},
	}
}

func (f *fakeDB) addOrg(id, balance string) *model.Organization {
	org := &model.Organization{ID: id, Name: id, SMSBalance: decimal.RequireFromString(balance)}
	f.orgs[id] = org
	return org
}

func (f *fakeDB) addContact(orgID, id, phone string, cats ...string) *model.Contact {
	c := &model.Contact{ID: id, OrgID: orgID, Phone: phone, Category: cats, CreatedAt: time.Now()}
	f.contacts = append(f.contacts, c)
	return c
}

func (f *fakeDB) contact(id string) *model.Contact {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.ID == id {
			cp := *c
			return &cp
		}
	}
	return nil
}

func (f *fakeDB) campaign(id string) model.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.campaigns[id]
}

func (f *fakeDB) balance(orgID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orgs[orgID].SMSBalance
}

func (f *fakeDB) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeDB) message(jobID string) *model.SMSMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[jobID]
}

// ====== Campaigns ======

func (f *fakeDB) GetForOrg(_ context.Context, orgID, id string) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.OrgID != orgID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeDB) Schedule(_ context.Context, orgID, id string, at time.Time) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.OrgID != orgID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if c.Status != model.CampaignDraft && c.Status != model.CampaignScheduled {
		return nil, &appErrors.ErrCampaignNotSendable{CampaignID: id, Status: string(c.Status)}
	}
	c.Status = model.CampaignScheduled
	c.ScheduleAt = &at
	cp := *c
	return &cp, nil
}

func (f *fakeDB) transition(id string, to model.CampaignStatus, from ...model.CampaignStatus) bool {
	c, ok := f.campaigns[id]
	if !ok {
		return false
	}
	for _, s := range from {
		if c.Status == s {
			c.Status = to
			now := time.Now()
			switch to {
			case model.CampaignRunning:
				if c.StartedAt == nil {
					c.StartedAt = &now
				}
			case model.CampaignDone:
				c.CompletedAt = &now
			}
			return true
		}
	}
	return false
}

func (f *fakeDB) MarkRunning(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transition(id, model.CampaignRunning, model.CampaignDraft, model.CampaignScheduled, model.CampaignFailed), nil
}

func (f *fakeDB) MarkDone(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transition(id, model.CampaignDone, model.CampaignRunning), nil
}

func (f *fakeDB) MarkFailed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transition(id, model.CampaignFailed, model.CampaignScheduled, model.CampaignRunning)
	return nil
}

func (f *fakeDB) CompleteIfFinished(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.Status != model.CampaignRunning {
		return false, nil
	}
	n := 0
	for _, m := range f.messages {
		if m.CampaignID != nil && *m.CampaignID == id {
			n++
		}
	}
	if n < c.TotalRecipients {
		return false, nil
	}
	f.transition(id, model.CampaignDone, model.CampaignRunning)
	f.completions++
	return true, nil
}

func (f *fakeDB) ClaimRecipients(_ context.Context, campaignID string, contactIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claims := f.recipients[campaignID]
	if claims == nil {
		claims = map[string]bool{}
		f.recipients[campaignID] = claims
	}
	want := make(map[string]bool, len(contactIDs))
	for _, id := range contactIDs {
		want[id] = true
	}
	for id, queued := range claims {
		if !queued && !want[id] {
			delete(claims, id)
		}
	}
	var pending []string
	for _, id := range contactIDs {
		if queued, ok := claims[id]; !ok || !queued {
			claims[id] = false
			pending = append(pending, id)
		}
	}
	return pending, nil
}

func (f *fakeDB) MarkRecipientsQueued(_ context.Context, campaignID string, contactIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range contactIDs {
		f.recipients[campaignID][id] = true
	}
	return nil
}

func (f *fakeDB) SetTotalRecipients(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.recipients[id])
	f.campaigns[id].TotalRecipients = n
	return n, nil
}

// ====== Contacts ======

func (f *fakeDB) ListRecipients(_ context.Context, orgID string, categories []string) ([]model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Contact{}
	for _, c := range f.contacts {
		if c.OrgID != orgID || !c.Active() {
			continue
		}
		if len(categories) > 0 && !overlaps(c.Category, categories) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (f *fakeDB) ClaimOptOutNotice(_ context.Context, contactID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.ID == contactID && c.OptOutNoticeSentAt == nil {
			now := time.Now()
			c.OptOutNoticeSentAt = &now
			return &now, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) ReleaseOptOutNotice(_ context.Context, contactID string, claimedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.ID == contactID && c.OptOutNoticeSentAt != nil && c.OptOutNoticeSentAt.Equal(claimedAt) {
			c.OptOutNoticeSentAt = nil
		}
	}
	return nil
}

func (f *fakeDB) SoftDeleteByPhone(_ context.Context, orgID, phone string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, c := range f.contacts {
		if c.OrgID == orgID && c.Phone == phone && c.DeletedAt == nil {
			now := time.Now()
			c.DeletedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) MarkOptedOutByPhone(_ context.Context, orgID, phone string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, c := range f.contacts {
		if c.OrgID == orgID && c.Phone == phone && c.DeletedAt == nil && c.OptedOutAt == nil {
			now := time.Now()
			c.OptedOutAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) FindByPhones(_ context.Context, orgID string, phones []string) ([]model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]bool{}
	for _, p := range phones {
		want[p] = true
	}
	out := []model.Contact{}
	for _, c := range f.contacts {
		if c.OrgID == orgID && want[c.Phone] {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeDB) UpsertBatch(_ context.Context, orgID string, rows []model.ImportRow, categories []string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.upsertErr != nil {
		if err := f.upsertErr(f.upserts); err != nil {
			return 0, 0, err
		}
	}

	created, updated := 0, 0
	for _, row := range rows {
		var existing *model.Contact
		for _, c := range f.contacts {
			if c.OrgID == orgID && c.Phone == row.Phone && c.DeletedAt == nil {
				existing = c
			}
		}
		if existing == nil {
			f.nextID++
			f.contacts = append(f.contacts, &model.Contact{
				ID: fmt.Sprintf("imported-%d", f.nextID), OrgID: orgID, Phone: row.Phone,
				FirstName: row.FirstName, LastName: row.LastName, Email: row.Email,
				Category: append([]string(nil), categories...),
			})
			created++
			continue
		}
		if existing.FirstName == nil {
			existing.FirstName = row.FirstName
		}
		if existing.LastName == nil {
			existing.LastName = row.LastName
		}
		if existing.Email == nil {
			existing.Email = row.Email
		}
		for _, cat := range categories {
			if !overlaps(existing.Category, []string{cat}) {
				existing.Category = append(existing.Category, cat)
			}
		}
		updated++
	}
	return created, updated, nil
}

func (f *fakeDB) RefreshCategoryCounts(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

// ====== Messages and billing ======

func (f *fakeDB) ExistsForJob(_ context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.messages[jobID]
	return ok, nil
}

func (f *fakeDB) insert(msg *model.SMSMessage) bool {
	if _, ok := f.messages[*msg.JobID]; ok {
		return false
	}
	cp := *msg
	f.messages[*msg.JobID] = &cp
	if msg.CampaignID != nil {
		if c, ok := f.campaigns[*msg.CampaignID]; ok {
			if msg.Status == model.MessageStatusFailed {
				c.FailedCount++
			} else {
				c.SentCount++
			}
		}
	}
	return true
}

func (f *fakeDB) RecordFailed(_ context.Context, msg *model.SMSMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.Status = model.MessageStatusFailed
	msg.Direction = model.DirectionOutbound
	return f.insert(msg), nil
}

func (f *fakeDB) BillAndRecord(_ context.Context, entry model.LedgerEntry, msg *model.SMSMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.billErr != nil {
		return false, f.billErr
	}
	if _, ok := f.messages[*msg.JobID]; ok {
		return false, nil
	}
	if entry.Amount.IsPositive() {
		if err := f.debit(entry); err != nil {
			return false, err
		}
	}
	return f.insert(msg), nil
}

func (f *fakeDB) debit(e model.LedgerEntry) error {
	org, ok := f.orgs[e.OrgID]
	if !ok {
		return appErrors.ErrOrganizationNotFound
	}
	if org.SMSBalance.LessThan(e.Amount) {
		return &appErrors.ErrInsufficientBalance{OrgID: e.OrgID, Balance: org.SMSBalance, Needed: e.Amount}
	}
	org.SMSBalance = org.SMSBalance.Sub(e.Amount)
	f.entries = append(f.entries, e)
	return nil
}

// ====== Organizations, pricing, ledger ======

func (f *fakeDB) GetByID(_ context.Context, id string) (*model.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[id]
	if !ok {
		return nil, appErrors.ErrOrganizationNotFound
	}
	cp := *org
	return &cp, nil
}

func (f *fakeDB) ActiveRate(_ context.Context, serviceType string) (decimal.Decimal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rate, ok := f.rates[serviceType]
	return rate, ok, nil
}

func (f *fakeDB) Balance(_ context.Context, orgID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[orgID]
	if !ok {
		return decimal.Zero, appErrors.ErrOrganizationNotFound
	}
	return org.SMSBalance, nil
}

func (f *fakeDB) Debit(_ context.Context, _ sqlx.ExtContext, e model.LedgerEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return "", f.debit(e)
}

func (f *fakeDB) Charge(_ context.Context, e model.LedgerEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return "", f.debit(e)
}

func (f *fakeDB) Credit(_ context.Context, e model.LedgerEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[e.OrgID]
	if !ok {
		return "", appErrors.ErrOrganizationNotFound
	}
	org.SMSBalance = org.SMSBalance.Add(e.Amount)
	return "", nil
}

var (
	_ repository.CampaignRepositoryInterface     = (*fakeDB)(nil)
	_ repository.ContactRepositoryInterface      = (*fakeDB)(nil)
	_ repository.MessageRepositoryInterface      = (*fakeDB)(nil)
	_ repository.BillingRepositoryInterface      = (*fakeDB)(nil)
	_ repository.OrganizationRepositoryInterface = (*fakeDB)(nil)
	_ repository.PricingRepositoryInterface      = (*fakeDB)(nil)
	_ ledger.LedgerInterface                     = (*fakeDB)(nil)
)

// ====== Provider ======

type fakeSender struct {
	mu    sync.Mutex
	sent  []provider.SendRequest
	errs  []error
	delay time.Duration
}

func (s *fakeSender) Send(ctx context.Context, req provider.SendRequest) (*provider.Result, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	s.sent = append(s.sent, req)
	return &provider.Result{SID: fmt.Sprintf("SM%d", len(s.sent)), Status: "sent", RawStatus: "queued"}, nil
}

func (s *fakeSender) calls() []provider.SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.SendRequest(nil), s.sent...)
}

// ====== Queue ======

type enqueued struct {
	Queue   string
	Payload any
	JobID   string
	Opts    int
}

type recordingEnqueuer struct {
	mu     sync.Mutex
	jobs   []enqueued
	failAt int
	calls  int
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, name string, payload any, opts ...queue.EnqueueOption) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAt > 0 && r.calls == r.failAt {
		return "", errors.New("broker unavailable")
	}
	id := fmt.Sprintf("job-%d", r.calls)
	r.jobs = append(r.jobs, enqueued{Queue: name, Payload: payload, JobID: id, Opts: len(opts)})
	return id, nil
}

func newJob(t *testing.T, id, name string, payload any) *queue.Job {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: id, Queue: name, Attempt: 1, MaxAttempts: 3, Body: body}
}
