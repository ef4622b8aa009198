package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu       sync.Mutex
	finished [][]Booking
	closest  []string
	// deletedPresent records whether the booking still existed when finished fired.
	store          Store
	deletedPresent []bool
}

func (n *recordingNotifier) NotifyFinished(ctx context.Context, location string, bookings []Booking) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, bookings)
	if n.store != nil && len(bookings) > 0 {
		_, err := n.store.Get(ctx, bookings[0].ID)
		n.deletedPresent = append(n.deletedPresent, err == nil)
	}
}

func (n *recordingNotifier) NotifyClosest(ctx context.Context, b Booking, action string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closest = append(n.closest, action)
}

type recordingRevoker struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRevoker) Revoke(realm, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, realm+"/"+owner)
}

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestService(t *testing.T) (*Service, *InMemoryStore, *recordingNotifier, *recordingRevoker) {
	t.Helper()
	store := NewInMemoryStore()
	store.AddLocation(Location{ID: "plaza", Scene: "0,0:plaza.dcl.eth:mainnet:", ForBooking: true})
	store.AddLocation(Location{ID: "lobby", Scene: "1,1:lobby.dcl.eth:mainnet:", ForBooking: false})
	store.AddSlot(Slot{ID: 1, Location: "plaza", SupportsStreaming: true})

	notifier := &recordingNotifier{store: store}
	revoker := &recordingRevoker{}
	svc := NewService(store, notifier, revoker, ServiceConfig{
		MinDuration: time.Minute,
		MaxDuration: time.Hour,
		Now:         func() time.Time { return testNow },
	}, nil)
	return svc, store, notifier, revoker
}

func TestService_Create(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.Create(ctx, "0xABCDEF", CreateInput{
		Title:     "set",
		StartDate: testNow.UnixMilli() + 60_000,
		Duration:  30 * 60_000,
		Location:  "plaza",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if b.ID == 0 {
		t.Error("expected ID to be assigned")
	}
	if b.Owner != "0xabcdef" {
		t.Errorf("owner = %q, want lower-cased", b.Owner)
	}
	if b.CreationDate != testNow.UnixMilli() {
		t.Errorf("creation date = %d", b.CreationDate)
	}
	if len(notifier.closest) != 1 || notifier.closest[0] != ActionAdded {
		t.Errorf("closest notifications = %v, want [added]", notifier.closest)
	}
}

func TestService_CreateRejects(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	start := testNow.UnixMilli()

	if _, err := svc.Create(ctx, "0xa", CreateInput{StartDate: start, Duration: 10 * 60_000, Location: "plaza"}); err != nil {
		t.Fatalf("seed booking: %v", err)
	}

	tests := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"too short", CreateInput{StartDate: start, Duration: 1000, Location: "plaza"}, ErrInvalidDuration},
		{"too long", CreateInput{StartDate: start, Duration: 2 * 3600_000, Location: "plaza"}, ErrInvalidDuration},
		{"overlap", CreateInput{StartDate: start + 60_000, Duration: 10 * 60_000, Location: "plaza"}, ErrConflict},
		{"not bookable", CreateInput{StartDate: start, Duration: 10 * 60_000, Location: "lobby"}, ErrInvalidLocation},
		{"unknown location", CreateInput{StartDate: start, Duration: 10 * 60_000, Location: "nowhere"}, ErrInvalidLocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "0xb", tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	// Adjacent booking is accepted.
	if _, err := svc.Create(ctx, "0xb", CreateInput{StartDate: start + 10*60_000, Duration: 10 * 60_000, Location: "plaza"}); err != nil {
		t.Errorf("adjacent booking rejected: %v", err)
	}
}

func TestService_UpdateOwnership(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.Create(ctx, "0xowner", CreateInput{StartDate: testNow.UnixMilli(), Duration: 10 * 60_000, Location: "plaza"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	title := "renamed"
	if _, err := svc.Update(ctx, Actor{Address: "0xother"}, b.ID, Patch{Title: &title}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	updated, err := svc.Update(ctx, Actor{Address: "0xadmin", Role: RoleAdmin}, b.ID, Patch{Title: &title})
	if err != nil {
		t.Fatalf("admin update failed: %v", err)
	}
	if updated.Title != title {
		t.Errorf("title = %q", updated.Title)
	}
}

func TestService_UpdateRevalidatesExcludingSelf(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	start := testNow.UnixMilli()
	owner := Actor{Address: "0xowner"}

	first, err := svc.Create(ctx, owner.Address, CreateInput{StartDate: start, Duration: 10 * 60_000, Location: "plaza"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Create(ctx, owner.Address, CreateInput{StartDate: start + 20*60_000, Duration: 10 * 60_000, Location: "plaza"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Shifting within its own window must not conflict with itself.
	shift := start + 5*60_000
	if _, err := svc.Update(ctx, owner, first.ID, Patch{StartDate: &shift}); err != nil {
		t.Errorf("self-overlapping update rejected: %v", err)
	}

	// Extending into the second booking conflicts.
	long := int64(30 * 60_000)
	if _, err := svc.Update(ctx, owner, first.ID, Patch{Duration: &long}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestService_DeleteNotifiesBeforeRemoval(t *testing.T) {
	svc, store, notifier, revoker := newTestService(t)
	ctx := context.Background()

	b, err := svc.Create(ctx, "0xowner", CreateInput{StartDate: testNow.UnixMilli(), Duration: 10 * 60_000, Location: "plaza"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.SetLive(ctx, []int64{b.ID}, true, testNow.UnixMilli()); err != nil {
		t.Fatalf("SetLive failed: %v", err)
	}
	if err := store.UpsertSlotState(ctx, SlotState{Booking: b.ID, Slot: 1, ContentIndex: 2}); err != nil {
		t.Fatalf("UpsertSlotState failed: %v", err)
	}

	if err := svc.Delete(ctx, Actor{Address: "0xowner"}, b.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if len(notifier.finished) != 1 {
		t.Fatalf("finished notifications = %d, want 1", len(notifier.finished))
	}
	if !notifier.deletedPresent[0] {
		t.Error("bookings_finished fired after the booking was removed")
	}
	if got := notifier.closest[len(notifier.closest)-1]; got != ActionDeleted {
		t.Errorf("last closest action = %q, want deleted", got)
	}
	if len(revoker.calls) != 1 || revoker.calls[0] != "plaza.dcl.eth/0xowner" {
		t.Errorf("revoke calls = %v", revoker.calls)
	}
	if _, err := store.Get(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("booking still present: %v", err)
	}
	states, _ := store.ListSlotStates(ctx, b.ID)
	if len(states) != 0 {
		t.Errorf("slot states not removed: %v", states)
	}
}

func TestService_DeleteForbidden(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.Create(ctx, "0xowner", CreateInput{StartDate: testNow.UnixMilli(), Duration: 10 * 60_000, Location: "plaza"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := svc.Delete(ctx, Actor{Address: "0xother"}, b.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if len(notifier.finished) != 0 {
		t.Error("forbidden delete must not notify")
	}
}

func TestService_Closest(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	now := testNow.UnixMilli()

	for i, start := range []int64{now - 3*3600_000, now + 3600_000, now - 60_000, now + 7200_000} {
		if err := store.Insert(ctx, &Booking{Owner: "0xa", Location: "plaza", StartDate: start, Duration: 30 * 60_000}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	res, err := svc.Closest(ctx, "plaza")
	if err != nil {
		t.Fatalf("Closest failed: %v", err)
	}
	if len(res.Upcoming) != 2 {
		t.Fatalf("upcoming = %d, want 2", len(res.Upcoming))
	}
	if res.Upcoming[0].StartDate != now-60_000 || res.Upcoming[1].StartDate != now+3600_000 {
		t.Errorf("unexpected upcoming order: %+v", res.Upcoming)
	}
	if res.Previous == nil || res.Previous.StartDate != now-3*3600_000 {
		t.Errorf("previous = %+v", res.Previous)
	}
}

func TestService_SaveSlotStateOwnerOnly(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.Create(ctx, "0xowner", CreateInput{StartDate: testNow.UnixMilli(), Duration: 10 * 60_000, Location: "plaza"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	st := SlotState{Booking: b.ID, Slot: 1, ContentIndex: 3, IsPaused: true}
	if err := svc.SaveSlotState(ctx, Actor{Address: "0xother", Role: RoleAdmin}, st); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := svc.SaveSlotState(ctx, Actor{Address: "0xowner"}, st); err != nil {
		t.Fatalf("SaveSlotState failed: %v", err)
	}
	states, err := svc.SlotStates(ctx, b.ID)
	if err != nil {
		t.Fatalf("SlotStates failed: %v", err)
	}
	if len(states) != 1 || states[0] != st {
		t.Errorf("states = %+v", states)
	}
}

func TestParseRole(t *testing.T) {
	tests := map[string]Role{
		"admin":       RoleAdmin,
		"super_admin": RoleSuperAdmin,
		"":            RoleUser,
		"root":        RoleUser,
	}
	for in, want := range tests {
		if got := ParseRole(in); got != want {
			t.Errorf("ParseRole(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestService_StreamingRealm(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	store.AddLocation(Location{ID: "broken", Scene: "not-a-scene", ForBooking: true})
	store.AddSlot(Slot{ID: 2, Location: "broken", SupportsStreaming: true})
	ctx := context.Background()

	tests := []struct {
		name      string
		location  string
		wantRealm string
		wantErr   error
	}{
		{"streaming location", "plaza", "plaza.dcl.eth", nil},
		{"no streaming slot", "lobby", "", nil},
		{"malformed scene", "broken", "", ErrInvalidScene},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			realm, err := svc.StreamingRealm(ctx, Booking{Location: tt.location})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("StreamingRealm failed: %v", err)
			}
			if realm != tt.wantRealm {
				t.Errorf("realm = %q, want %q", realm, tt.wantRealm)
			}
		})
	}
}

func TestService_ConcurrentCreatesAcrossServices(t *testing.T) {
	_, store, _, _ := newTestService(t)
	cfg := ServiceConfig{
		MinDuration: time.Minute,
		MaxDuration: time.Hour,
		Now:         func() time.Time { return testNow },
	}
	services := []*Service{
		NewService(store, nil, nil, cfg, nil),
		NewService(store, nil, nil, cfg, nil),
	}
	start := testNow.UnixMilli() + 3600_000

	const writers = 8
	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
		errs  = make(chan error, writers)
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			_, err := services[i%len(services)].Create(context.Background(), "0xa", CreateInput{
				StartDate: start + int64(i)*1000,
				Duration:  30 * 60_000,
				Location:  "plaza",
			})
			errs <- err
		}(i)
	}
	close(ready)
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case !errors.Is(err, ErrConflict):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("created %d overlapping bookings, want 1", created)
	}
}

type recordingRemover struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (r *recordingRemover) DeletePreview(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	return r.err
}

func TestService_RemovesReplacedAndDeletedPreviews(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	remover := &recordingRemover{}
	svc.WithPreviews(remover)
	ctx := context.Background()
	owner := Actor{Address: "0xowner"}

	first := "https://cdn.example.com/previews/0xowner/a.png"
	b, err := svc.Create(ctx, owner.Address, CreateInput{
		StartDate: testNow.UnixMilli(), Duration: 10 * 60_000, Location: "plaza", Preview: &first,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	title := "renamed"
	if _, err := svc.Update(ctx, owner, b.ID, Patch{Title: &title, Preview: &first}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(remover.urls) != 0 {
		t.Fatalf("unchanged preview removed: %v", remover.urls)
	}

	second := "https://cdn.example.com/previews/0xowner/b.png"
	if _, err := svc.Update(ctx, owner, b.ID, Patch{Preview: &second}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(remover.urls) != 1 || remover.urls[0] != first {
		t.Fatalf("removed after replacement = %v, want [%s]", remover.urls, first)
	}

	// A failing removal is logged and does not fail the delete.
	remover.err = errors.New("bucket unavailable")
	if err := svc.Delete(ctx, owner, b.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(remover.urls) != 2 || remover.urls[1] != second {
		t.Errorf("removed after delete = %v, want [%s %s]", remover.urls, first, second)
	}
}

func TestService_RejectedUpdateKeepsPreview(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	remover := &recordingRemover{}
	svc.WithPreviews(remover)
	ctx := context.Background()
	owner := Actor{Address: "0xowner"}
	start := testNow.UnixMilli()

	preview := "https://cdn.example.com/previews/0xowner/a.png"
	b, err := svc.Create(ctx, owner.Address, CreateInput{StartDate: start, Duration: 10 * 60_000, Location: "plaza", Preview: &preview})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Create(ctx, owner.Address, CreateInput{StartDate: start + 20*60_000, Duration: 10 * 60_000, Location: "plaza"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	other := "https://cdn.example.com/previews/0xowner/b.png"
	long := int64(30 * 60_000)
	if _, err := svc.Update(ctx, owner, b.ID, Patch{Preview: &other, Duration: &long}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(remover.urls) != 0 {
		t.Errorf("preview removed by a rejected update: %v", remover.urls)
	}
}

func TestService_Pages(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	now := testNow.UnixMilli()
	hour := int64(3600_000)

	seed := []struct {
		owner string
		start int64
	}{
		{"0xa", now - 5*hour},
		{"0xb", now - 3*hour},
		{"0xa", now - 10*60_000}, // live window, ends after now
		{"0xb", now + hour},
		{"0xa", now + 3*hour},
	}
	for i, s := range seed {
		if err := store.Insert(ctx, &Booking{Owner: s.owner, Location: "plaza", StartDate: s.start, Duration: 30 * 60_000}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	starts := func(bs []Booking) []int64 {
		out := make([]int64, len(bs))
		for i, b := range bs {
			out[i] = b.StartDate
		}
		return out
	}
	equal := func(a, b []int64) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}

	tests := []struct {
		name  string
		list  func(context.Context, string, string, int, int) ([]Booking, error)
		owner string
		take  int
		skip  int
		want  []int64
	}{
		{"active", svc.Active, "", 10, 0, []int64{now - 10*60_000, now + hour, now + 3*hour}},
		{"active paged", svc.Active, "", 1, 1, []int64{now + hour}},
		{"active owner", svc.Active, "0xA", 10, 0, []int64{now - 10*60_000, now + 3*hour}},
		{"inactive latest first", svc.Inactive, "", 10, 0, []int64{now - 3*hour, now - 5*hour}},
		{"inactive owner", svc.Inactive, "0xb", 10, 0, []int64{now - 3*hour}},
		{"skip past end", svc.Inactive, "", 10, 5, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.list(ctx, "plaza", tt.owner, tt.take, tt.skip)
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if !equal(starts(got), tt.want) {
				t.Errorf("starts = %v, want %v", starts(got), tt.want)
			}
		})
	}

	for _, bad := range []struct{ take, skip int }{{0, 0}, {MaxPageSize + 1, 0}, {10, -1}} {
		if _, err := svc.Active(ctx, "plaza", "", bad.take, bad.skip); !errors.Is(err, ErrInvalidPage) {
			t.Errorf("take=%d skip=%d: error = %v, want ErrInvalidPage", bad.take, bad.skip, err)
		}
	}
}

func TestService_InRange(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	for i, start := range []int64{1000, 2000, 3000} {
		if err := store.Insert(ctx, &Booking{Owner: "0xa", Location: "plaza", StartDate: start, Duration: 500}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	tests := []struct {
		name     string
		from, to int64
		want     int
	}{
		{"touches end of first", 1500, 1999, 1},
		{"touches start of third", 2600, 3000, 1},
		{"spans all", 0, 10_000, 3},
		{"gap", 1501, 1999, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.InRange(ctx, "plaza", tt.from, tt.to)
			if err != nil {
				t.Fatalf("InRange failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("InRange(%d, %d) = %d bookings, want %d", tt.from, tt.to, len(got), tt.want)
			}
		})
	}

	if _, err := svc.InRange(ctx, "plaza", 10, 5); !errors.Is(err, ErrInvalidPage) {
		t.Errorf("reversed range error = %v, want ErrInvalidPage", err)
	}
}
