package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Mock implementations for testing

type memStore struct {
	mu      sync.Mutex
	stages  map[string]UpdateStage
	markers map[string]FailureMarker
	locks   map[string]LockRecord
	events  []StageEvent
	audits  []AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		stages:  make(map[string]UpdateStage),
		markers: make(map[string]FailureMarker),
		locks:   make(map[string]LockRecord),
	}
}

func (m *memStore) CreateStage(ctx context.Context, stage *UpdateStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.stages[stage.ID]; exists {
		return errors.New("duplicate stage")
	}
	m.stages[stage.ID] = *stage
	return nil
}

func (m *memStore) GetStage(ctx context.Context, id string) (*UpdateStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stages[id]
	if !ok {
		return nil, NewNotFoundError("stage", id)
	}
	return &s, nil
}

func (m *memStore) SaveStage(ctx context.Context, stage *UpdateStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stages[stage.ID]; !ok {
		return NewNotFoundError("stage", stage.ID)
	}
	m.stages[stage.ID] = *stage
	return nil
}

func (m *memStore) TransitionStage(ctx context.Context, stage *UpdateStage, from StageState, ownerToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.stages[stage.ID]
	if !ok || current.State != from {
		return ErrStaleTransition
	}
	if ownerToken != "" {
		if lock, held := m.locks[current.ProjectRoot]; !held || lock.OwnerToken != ownerToken {
			return ErrStaleTransition
		}
	}
	m.stages[stage.ID] = *stage
	return nil
}

func (m *memStore) ListStages(ctx context.Context, projectRoot string, limit int) ([]*UpdateStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*UpdateStage
	for _, s := range m.stages {
		if s.ProjectRoot == projectRoot {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetFailureMarker(ctx context.Context, projectRoot string) (*FailureMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marker, ok := m.markers[projectRoot]
	if !ok {
		return nil, nil
	}
	return &marker, nil
}

func (m *memStore) WriteFailureMarker(ctx context.Context, marker *FailureMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[marker.ProjectRoot] = *marker
	return nil
}

func (m *memStore) ClearFailureMarker(ctx context.Context, projectRoot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, projectRoot)
	return nil
}

func (m *memStore) AppendEvent(ctx context.Context, event *StageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.events) + 1)
	m.events = append(m.events, *event)
	return nil
}

func (m *memStore) RecordAudit(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.audits) + 1)
	m.audits = append(m.audits, *entry)
	return nil
}

func (m *memStore) InsertLock(ctx context.Context, record *LockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.locks[record.ProjectRoot]; exists {
		return ErrLockRecordExists
	}
	m.locks[record.ProjectRoot] = *record
	return nil
}

func (m *memStore) GetLock(ctx context.Context, projectRoot string) (*LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.locks[projectRoot]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) DeleteLock(ctx context.Context, projectRoot, ownerToken string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.locks[projectRoot]
	if !ok || r.OwnerToken != ownerToken {
		return false, nil
	}
	delete(m.locks, projectRoot)
	return true, nil
}

func (m *memStore) ForceDeleteLock(ctx context.Context, projectRoot string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[projectRoot]
	delete(m.locks, projectRoot)
	return ok, nil
}

func (m *memStore) eventTypes(stageID string) []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventType
	for _, e := range m.events {
		if e.StageID == stageID {
			out = append(out, e.Type)
		}
	}
	return out
}

// fakePackages stages packages in memory. Staging applies the targets on
// top of the installed set plus any extra incidental changes.
type fakePackages struct {
	mu         sync.Mutex
	installed  PackageSet
	staged     map[string]PackageSet
	incidental map[string]string
	removed    []string
	stageErr   error
	applyErr   error
	applyCalls int

	// onStagedRead runs once, before the next StagedPackages call.
	onStagedRead func()
}

func newFakePackages(pkgs ...Package) *fakePackages {
	set, err := NewPackageSet(pkgs...)
	if err != nil {
		panic(err)
	}
	return &fakePackages{
		installed: set,
		staged:    make(map[string]PackageSet),
	}
}

func (f *fakePackages) InstalledPackages(ctx context.Context, projectRoot string) (PackageSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copySet(f.installed), nil
}

func (f *fakePackages) StagedPackages(ctx context.Context, stageDir string) (PackageSet, error) {
	f.mu.Lock()
	hook := f.onStagedRead
	f.onStagedRead = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.staged[stageDir]
	if !ok {
		return nil, errors.New("stage directory does not exist: " + stageDir)
	}
	return copySet(set), nil
}

func (f *fakePackages) StagePackages(ctx context.Context, projectRoot, stageDir string, targets map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Leave partial output behind so cleanup is observable.
	f.staged[stageDir] = PackageSet{}
	if f.stageErr != nil {
		return f.stageErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	set := copySet(f.installed)
	for name, v := range targets {
		p := set[name]
		if p.Name == "" {
			p = Package{Name: name, Type: PackageTypeModule}
		}
		p.Version = v
		set[name] = p
	}
	for name, v := range f.incidental {
		p := set[name]
		if p.Name == "" {
			p = Package{Name: name, Type: PackageTypeLibrary}
		}
		p.Version = v
		set[name] = p
	}
	f.staged[stageDir] = set
	return nil
}

func (f *fakePackages) ApplyStagedChanges(ctx context.Context, projectRoot, stageDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	if f.applyErr != nil {
		return f.applyErr
	}
	f.installed = copySet(f.staged[stageDir])
	return nil
}

func (f *fakePackages) RemoveStage(ctx context.Context, stageDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.staged, stageDir)
	f.removed = append(f.removed, stageDir)
	return nil
}

func (f *fakePackages) hasStage(stageDir string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.staged[stageDir]
	return ok
}

func copySet(in PackageSet) PackageSet {
	out := make(PackageSet, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// funcValidator adapts a function into a Validator.
type funcValidator struct {
	name string
	fn   func(ctx context.Context, in *ValidationInput) (ValidationResult, error)
}

func (v funcValidator) Name() string { return v.name }

func (v funcValidator) Validate(ctx context.Context, in *ValidationInput) (ValidationResult, error) {
	return v.fn(ctx, in)
}

func staticValidator(name string, severity Severity, messages ...string) Validator {
	return funcValidator{name: name, fn: func(context.Context, *ValidationInput) (ValidationResult, error) {
		return ValidationResult{Severity: severity, Messages: messages}, nil
	}}
}

type hookFunc func(ctx context.Context, stage *UpdateStage) error

func (h hookFunc) RunPostApply(ctx context.Context, stage *UpdateStage) error { return h(ctx, stage) }
