// Package memory is an in-process implementation of the repository
// interfaces. It backs service and handler tests and local runs without
// Postgres, honouring the same conditional-update semantics as the SQL store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/repository"
)

// Store holds every table behind one mutex.
type Store struct {
	mu sync.Mutex

	campaigns map[uuid.UUID]domain.Campaign
	messages  map[uuid.UUID]domain.CampaignMessage
	instances map[uuid.UUID]domain.Instance
	templates map[uuid.UUID]domain.Template
	lists     map[uuid.UUID]domain.ContactList
	contacts  map[uuid.UUID]domain.Contact
	members   map[uuid.UUID][]uuid.UUID
	entries   map[uuid.UUID]domain.WarmingPoolEntry
	pairs     map[domain.PairKey]domain.WarmingPoolPair
	attempts  []domain.SendAttempt

	failures map[string]error

	// Now stamps updated_at columns. Tests may replace it.
	Now func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		campaigns: make(map[uuid.UUID]domain.Campaign),
		messages:  make(map[uuid.UUID]domain.CampaignMessage),
		instances: make(map[uuid.UUID]domain.Instance),
		templates: make(map[uuid.UUID]domain.Template),
		lists:     make(map[uuid.UUID]domain.ContactList),
		contacts:  make(map[uuid.UUID]domain.Contact),
		members:   make(map[uuid.UUID][]uuid.UUID),
		entries:   make(map[uuid.UUID]domain.WarmingPoolEntry),
		pairs:     make(map[domain.PairKey]domain.WarmingPoolPair),
		failures:  make(map[string]error),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// FailOn makes every call of the named operation (e.g. "messages.NextQueued")
// return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) failure(op string) error {
	return s.failures[op]
}

// Campaigns exposes the campaign table.
func (s *Store) Campaigns() *CampaignRepo { return &CampaignRepo{s: s} }

// Messages exposes the message queue table.
func (s *Store) Messages() *MessageRepo { return &MessageRepo{s: s} }

// Instances exposes the instance table.
func (s *Store) Instances() *InstanceRepo { return &InstanceRepo{s: s} }

// Templates exposes the template table.
func (s *Store) Templates() *TemplateRepo { return &TemplateRepo{s: s} }

// Contacts exposes contacts and lists.
func (s *Store) Contacts() *ContactRepo { return &ContactRepo{s: s} }

// Warming exposes the warming pool.
func (s *Store) Warming() *WarmingRepo { return &WarmingRepo{s: s} }

// Attempts exposes the send attempt log.
func (s *Store) Attempts() *AttemptLog { return &AttemptLog{s: s} }

// PutList stores a contact list with its static members.
func (s *Store) PutList(list domain.ContactList, memberIDs ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[list.ID] = list
	s.members[list.ID] = append([]uuid.UUID(nil), memberIDs...)
}

// PutContact stores a contact.
func (s *Store) PutContact(c domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

// Message returns a copy of one message row.
func (s *Store) Message(id uuid.UUID) (domain.CampaignMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// SetMessage overwrites a message row as-is.
func (s *Store) SetMessage(m domain.CampaignMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
}

// MessagesOf returns the campaign's rows in queue order.
func (s *Store) MessagesOf(campaignID uuid.UUID) []domain.CampaignMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesOfLocked(campaignID)
}

func (s *Store) messagesOfLocked(campaignID uuid.UUID) []domain.CampaignMessage {
	var out []domain.CampaignMessage
	for _, m := range s.messages {
		if m.CampaignID == campaignID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// CampaignRepo implements repository.CampaignRepository.
type CampaignRepo struct{ s *Store }

var _ repository.CampaignRepository = (*CampaignRepo)(nil)

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("campaigns.Create"); err != nil {
		return err
	}
	if _, ok := r.s.campaigns[c.ID]; ok {
		return repository.ErrConflict
	}
	r.s.campaigns[c.ID] = cloneCampaign(*c)
	return nil
}

func (r *CampaignRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("campaigns.Get"); err != nil {
		return nil, err
	}
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneCampaign(c)
	return &out, nil
}

func (r *CampaignRepo) Update(ctx context.Context, c *domain.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.campaigns[c.ID]
	if !ok {
		return repository.ErrNotFound
	}
	next := cloneCampaign(*c)
	next.Counts.Sent, next.Counts.Delivered, next.Counts.Failed = existing.Counts.Sent, existing.Counts.Delivered, existing.Counts.Failed
	r.s.campaigns[c.ID] = next
	return nil
}

func (r *CampaignRepo) GetStatus(ctx context.Context, id uuid.UUID) (domain.CampaignStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("campaigns.GetStatus"); err != nil {
		return "", err
	}
	c, ok := r.s.campaigns[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	return c.Status, nil
}

func (r *CampaignRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, st := range from {
		if c.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	now := r.s.Now()
	c.Status = to
	c.UpdatedAt = now
	if to == domain.CampaignStatusSending && c.StartedAt == nil {
		c.StartedAt = &now
	}
	if to == domain.CampaignStatusCompleted {
		c.CompletedAt = &now
	}
	r.s.campaigns[id] = c
	return true, nil
}

func (r *CampaignRepo) List(ctx context.Context, tenantID *uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.Campaign
	for _, c := range r.s.campaigns {
		if tenantID != nil && c.TenantID != *tenantID {
			continue
		}
		if afterID != nil && c.ID.String() <= afterID.String() {
			continue
		}
		cc := cloneCampaign(c)
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CampaignRepo) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == domain.CampaignStatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			cc := cloneCampaign(c)
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CampaignRepo) ApplyDelta(ctx context.Context, id uuid.UUID, delta repository.CountsDelta) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil
	}
	c.Counts.Sent += delta.SentDelta
	c.Counts.Delivered += delta.DeliveredDelta
	c.Counts.Failed += delta.FailedDelta
	r.s.campaigns[id] = c
	return nil
}

func (r *CampaignRepo) SetCounts(ctx context.Context, id uuid.UUID, counts domain.CampaignCounts) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil
	}
	c.Counts = counts
	r.s.campaigns[id] = c
	return nil
}

func cloneCampaign(c domain.Campaign) domain.Campaign {
	c.InstanceIDs = append([]uuid.UUID(nil), c.InstanceIDs...)
	return c
}

// MessageRepo implements repository.MessageRepository.
type MessageRepo struct{ s *Store }

var _ repository.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) BulkInsert(ctx context.Context, messages []domain.CampaignMessage) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[[2]uuid.UUID]bool)
	for _, m := range r.s.messages {
		seen[[2]uuid.UUID{m.CampaignID, m.ContactID}] = true
	}
	var n int64
	for _, m := range messages {
		k := [2]uuid.UUID{m.CampaignID, m.ContactID}
		if seen[k] {
			continue
		}
		seen[k] = true
		m.UpdatedAt = m.CreatedAt
		r.s.messages[m.ID] = m
		n++
	}
	return n, nil
}

func (r *MessageRepo) NextQueued(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.CampaignMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("messages.NextQueued"); err != nil {
		return nil, err
	}
	var out []domain.CampaignMessage
	for _, m := range r.s.messagesOfLocked(campaignID) {
		if m.Status != domain.MessageStatusQueued {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MessageRepo) Claim(ctx context.Context, id, instanceID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != domain.MessageStatusQueued {
		return false, nil
	}
	m.Status = domain.MessageStatusSending
	m.InstanceID = &instanceID
	m.UpdatedAt = r.s.Now()
	r.s.messages[id] = m
	return true, nil
}

func (r *MessageRepo) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != domain.MessageStatusSending {
		return false, nil
	}
	now := r.s.Now()
	m.Status = domain.MessageStatusSent
	m.WhatsAppMessageID = &providerMessageID
	m.LastError = nil
	m.SentAt = &now
	m.UpdatedAt = now
	r.s.messages[id] = m
	return true, nil
}

func (r *MessageRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != domain.MessageStatusSending {
		return false, nil
	}
	m.Status = domain.MessageStatusFailed
	m.LastError = &reason
	m.UpdatedAt = r.s.Now()
	r.s.messages[id] = m
	return true, nil
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, providerMessageID string) (*domain.CampaignMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, m := range r.s.messages {
		if m.Status != domain.MessageStatusSent || m.WhatsAppMessageID == nil || *m.WhatsAppMessageID != providerMessageID {
			continue
		}
		m.Status = domain.MessageStatusDelivered
		m.UpdatedAt = r.s.Now()
		r.s.messages[id] = m
		out := m
		return &out, nil
	}
	return nil, repository.ErrNotFound
}

func (r *MessageRepo) RequeueStuck(ctx context.Context, campaignID uuid.UUID, stuckAfter time.Duration) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	olderThan := r.s.Now().Add(-stuckAfter)
	var n int64
	for id, m := range r.s.messages {
		if m.CampaignID != campaignID || m.Status != domain.MessageStatusSending || m.UpdatedAt.After(olderThan) {
			continue
		}
		m.Status = domain.MessageStatusQueued
		m.InstanceID = nil
		m.UpdatedAt = r.s.Now()
		r.s.messages[id] = m
		n++
	}
	return n, nil
}

func (r *MessageRepo) CountByStatus(ctx context.Context, campaignID uuid.UUID) (domain.MessageCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("messages.CountByStatus"); err != nil {
		return domain.MessageCounts{}, err
	}
	var c domain.MessageCounts
	for _, m := range r.s.messages {
		if m.CampaignID != campaignID {
			continue
		}
		switch m.Status {
		case domain.MessageStatusQueued:
			c.Queued++
		case domain.MessageStatusSending:
			c.Sending++
		case domain.MessageStatusSent:
			c.Sent++
		case domain.MessageStatusDelivered:
			c.Delivered++
		case domain.MessageStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (r *MessageRepo) List(ctx context.Context, campaignID uuid.UUID, status string, afterID *uuid.UUID, limit int) ([]domain.CampaignMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.CampaignMessage
	for _, m := range r.s.messages {
		if m.CampaignID != campaignID {
			continue
		}
		if status != "" && string(m.Status) != status {
			continue
		}
		if afterID != nil && m.ID.String() <= afterID.String() {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InstanceRepo implements repository.InstanceRepository.
type InstanceRepo struct{ s *Store }

var _ repository.InstanceRepository = (*InstanceRepo)(nil)

func (r *InstanceRepo) Create(ctx context.Context, inst *domain.Instance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.instances[inst.ID] = *inst
	return nil
}

func (r *InstanceRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Instance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inst, ok := r.s.instances[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &inst, nil
}

func (r *InstanceRepo) GetMany(ctx context.Context, ids []uuid.UUID) ([]domain.Instance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Instance
	for _, id := range ids {
		if inst, ok := r.s.instances[id]; ok {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *InstanceRepo) List(ctx context.Context, tenantID *uuid.UUID) ([]domain.Instance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Instance
	for _, inst := range r.s.instances {
		if tenantID != nil && inst.TenantID != *tenantID {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *InstanceRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.InstanceStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inst, ok := r.s.instances[id]
	if !ok {
		return repository.ErrNotFound
	}
	inst.Status = status
	inst.UpdatedAt = r.s.Now()
	r.s.instances[id] = inst
	return nil
}

func (r *InstanceRepo) UpdateWarmingLevel(ctx context.Context, id uuid.UUID, level int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inst, ok := r.s.instances[id]
	if !ok {
		return repository.ErrNotFound
	}
	inst.WarmingLevel = level
	inst.UpdatedAt = r.s.Now()
	r.s.instances[id] = inst
	return nil
}

// TemplateRepo implements repository.TemplateRepository.
type TemplateRepo struct{ s *Store }

var _ repository.TemplateRepository = (*TemplateRepo)(nil)

func (r *TemplateRepo) Create(ctx context.Context, tpl *domain.Template) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t := *tpl
	t.Variations = append([]string(nil), tpl.Variations...)
	r.s.templates[t.ID] = t
	return nil
}

func (r *TemplateRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.templates[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

// ContactRepo implements repository.ContactRepository.
type ContactRepo struct{ s *Store }

var _ repository.ContactRepository = (*ContactRepo)(nil)

func (r *ContactRepo) GetList(ctx context.Context, id uuid.UUID) (*domain.ContactList, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.lists[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &l, nil
}

func (r *ContactRepo) Audience(ctx context.Context, listID uuid.UUID) ([]domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	list, ok := r.s.lists[listID]
	if !ok {
		return nil, repository.ErrNotFound
	}

	var out []domain.Contact
	switch list.Kind {
	case domain.ListKindDynamic:
		for _, c := range r.s.contacts {
			if c.TenantID == list.TenantID && sharesTag(c.Tags, list.FilterTags) {
				out = append(out, c)
			}
		}
	default:
		for _, id := range r.s.members[listID] {
			if c, ok := r.s.contacts[id]; ok {
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func sharesTag(tags, filter []string) bool {
	for _, t := range tags {
		for _, f := range filter {
			if t == f {
				return true
			}
		}
	}
	return false
}

// WarmingRepo implements repository.WarmingRepository.
type WarmingRepo struct{ s *Store }

var _ repository.WarmingRepository = (*WarmingRepo)(nil)

func (r *WarmingRepo) CreateEntry(ctx context.Context, entry *domain.WarmingPoolEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, e := range r.s.entries {
		if e.InstanceID != entry.InstanceID {
			continue
		}
		if e.IsActive {
			return repository.ErrConflict
		}
		e.IsActive = true
		e.TenantID = entry.TenantID
		r.s.entries[id] = e
		*entry = e
		return nil
	}
	entry.IsActive = true
	r.s.entries[entry.ID] = *entry
	return nil
}

func (r *WarmingRepo) GetEntry(ctx context.Context, id uuid.UUID) (*domain.WarmingPoolEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (r *WarmingRepo) DeactivateEntry(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.IsActive = false
	r.s.entries[id] = e
	for k, p := range r.s.pairs {
		if p.IsActive && (p.EntryA == id || p.EntryB == id) {
			p.IsActive = false
			r.s.pairs[k] = p
		}
	}
	return nil
}

func (r *WarmingRepo) ListEligibleEntries(ctx context.Context) ([]domain.WarmingPoolEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.WarmingPoolEntry
	for _, e := range r.s.entries {
		if !e.IsActive {
			continue
		}
		if inst, ok := r.s.instances[e.InstanceID]; ok && inst.Status == domain.InstanceStatusConnected {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *WarmingRepo) ListActivePairs(ctx context.Context, now time.Time) ([]domain.WarmingPoolPair, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.WarmingPoolPair
	for _, p := range r.s.pairs {
		if p.IsActive && p.ExpiresAt.After(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *WarmingRepo) ListPairsForEntry(ctx context.Context, entryID uuid.UUID) ([]domain.WarmingPoolPair, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.WarmingPoolPair
	for _, p := range r.s.pairs {
		if p.IsActive && (p.EntryA == entryID || p.EntryB == entryID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreatePair mirrors the partial unique index on active (entry_a, entry_b) pairs.
func (r *WarmingRepo) CreatePair(ctx context.Context, pair *domain.WarmingPoolPair) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := domain.NewPairKey(pair.EntryA, pair.EntryB)
	if existing, ok := r.s.pairs[key]; ok && existing.IsActive {
		return false, nil
	}
	pair.EntryA, pair.EntryB = key.A, key.B
	pair.IsActive = true
	r.s.pairs[key] = *pair
	for _, id := range []uuid.UUID{key.A, key.B} {
		if e, ok := r.s.entries[id]; ok {
			e.TotalPairsMade++
			r.s.entries[id] = e
		}
	}
	return true, nil
}

func (r *WarmingRepo) ExpirePairs(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, p := range r.s.pairs {
		if p.IsActive && !p.ExpiresAt.After(now) {
			p.IsActive = false
			r.s.pairs[k] = p
			n++
		}
	}
	return n, nil
}

// AttemptLog implements repository.AttemptLog. The paging state is the
// offset of the next page.
type AttemptLog struct{ s *Store }

var _ repository.AttemptLog = (*AttemptLog)(nil)

func (l *AttemptLog) Append(ctx context.Context, attempt domain.SendAttempt) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.attempts = append(l.s.attempts, attempt)
	return nil
}

func (l *AttemptLog) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.SendAttempt, []byte, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var all []domain.SendAttempt
	for i := len(l.s.attempts) - 1; i >= 0; i-- {
		if l.s.attempts[i].CampaignID == campaignID {
			all = append(all, l.s.attempts[i])
		}
	}
	offset := 0
	if len(pagingState) == 1 {
		offset = int(pagingState[0])
	}
	if offset >= len(all) {
		return nil, nil, nil
	}
	end := min(offset+limit, len(all))
	var next []byte
	if end < len(all) && end < 256 {
		next = []byte{byte(end)}
	}
	return all[offset:end], next, nil
}
