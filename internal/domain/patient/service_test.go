package patient

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type mockRepo struct {
	patients map[uuid.UUID]*Patient
}

func newMockRepo() *mockRepo {
	return &mockRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockRepo) Create(_ context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.patients[p.ID] = p
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) GetByLegacyCode(_ context.Context, code string) (*Patient, error) {
	for _, p := range m.patients {
		if p.LegacyCode != nil && *p.LegacyCode == code {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) Update(_ context.Context, p *Patient) error {
	if _, ok := m.patients[p.ID]; !ok {
		return ErrNotFound
	}
	m.patients[p.ID] = p
	return nil
}

func (m *mockRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	p, ok := m.patients[id]
	if !ok || p.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	p.DeletedAt = &now
	return nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	var out []*Patient
	for _, p := range m.patients {
		if p.DeletedAt == nil {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) SearchBySurname(_ context.Context, surname string, limit int) ([]*Patient, error) {
	var out []*Patient
	for _, p := range m.patients {
		if strings.HasPrefix(strings.ToLower(p.Surname), strings.ToLower(surname)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestCreateRequiresSurname(t *testing.T) {
	svc := NewService(newMockRepo(), zerolog.Nop())
	err := svc.Create(context.Background(), &Patient{Forename: "Jane", Surname: "   "})
	if err == nil {
		t.Fatal("expected error for blank surname")
	}
}

func TestLookupDistinguishesDeleted(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, zerolog.Nop())

	p := &Patient{Surname: "Smith"}
	if err := svc.Create(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}

	exists, deleted, err := svc.Lookup(context.Background(), p.ID)
	if err != nil || !exists || deleted {
		t.Fatalf("Lookup = (%v, %v, %v), want (true, false, nil)", exists, deleted, err)
	}

	if err := svc.Delete(context.Background(), p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	exists, deleted, err = svc.Lookup(context.Background(), p.ID)
	if err != nil || !exists || !deleted {
		t.Fatalf("Lookup after delete = (%v, %v, %v), want (true, true, nil)", exists, deleted, err)
	}

	exists, _, err = svc.Lookup(context.Background(), uuid.New())
	if err != nil || exists {
		t.Fatalf("Lookup of unknown id = (%v, %v), want (false, nil)", exists, err)
	}
}

func TestSearchBySurnameBlankIsEmpty(t *testing.T) {
	svc := NewService(newMockRepo(), zerolog.Nop())
	got, err := svc.SearchBySurname(context.Background(), "  ", 10)
	if err != nil || got != nil {
		t.Fatalf("blank search = (%v, %v), want (nil, nil)", got, err)
	}
}
