package disposals

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/bins"
	"github.com/marcus-qen/ecoscan/internal/db"
	"github.com/marcus-qen/ecoscan/internal/users"
	"go.uber.org/zap"
)

type fixture struct {
	conn  *sql.DB
	store *Store
	users *users.Store
	bin   *bins.Bin
	owner *users.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, filepath.Join(t.TempDir(), "ecoscan.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	us := users.NewStore(conn)
	owner, err := us.Create(ctx, users.NewUser{Email: "owner@example.com", Name: "Owner", Password: "password1"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	bin, err := bins.NewStore(conn).Create(ctx, &bins.Bin{Name: "Main St", Latitude: 1, Longitude: 1, WasteType: bins.WasteGeneral, Capacity: 100, QRCode: "qr"})
	if err != nil {
		t.Fatalf("create bin: %v", err)
	}
	return &fixture{conn: conn, store: NewStore(conn), users: us, bin: bin, owner: owner}
}

func weight(kg float64) *float64 { return &kg }

func TestCreateAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.store.Create(ctx, f.owner.ID, f.bin.ID, bins.WasteRecyclable, weight(1.5), 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Status != StatusPending {
		t.Fatalf("status = %s", d.Status)
	}
	if _, err := f.store.Create(ctx, f.owner.ID, f.bin.ID, bins.WasteGeneral, nil, 5); err != nil {
		t.Fatalf("create without weight: %v", err)
	}

	got, err := f.store.Get(ctx, d.ID)
	if err != nil || got.WeightKg == nil || *got.WeightKg != 1.5 {
		t.Fatalf("get: %v %+v", err, got)
	}

	history, total, err := f.store.ListByUser(ctx, f.owner.ID, 10, 0)
	if err != nil || total != 2 || len(history) != 2 {
		t.Fatalf("history: err=%v total=%d", err, total)
	}
	if history[0].WeightKg != nil {
		t.Fatal("newest disposal should be the one without weight")
	}

	pending, total, err := f.store.ListPending(ctx, 10, 0)
	if err != nil || total != 2 || pending[0].UserEmail != "owner@example.com" || pending[0].BinName != "Main St" || pending[0].UserRole != auth.RoleUser {
		t.Fatalf("pending: err=%v total=%d %+v", err, total, pending)
	}
}

func TestVerifyApproveCreditsPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.store.Create(ctx, f.owner.ID, f.bin.ID, bins.WasteHazardous, weight(5), 200)

	res, err := f.store.Verify(ctx, d.ID, "reviewer", true, nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Disposal.Status != StatusVerified || res.Disposal.VerifiedBy != "reviewer" || res.Disposal.VerifiedAt == nil {
		t.Fatalf("unexpected disposal %+v", res.Disposal)
	}
	if res.Balance == nil || res.Balance.NewPoints != 200 || res.Balance.NewLevel != 3 || !res.Balance.LeveledUp() {
		t.Fatalf("unexpected balance %+v", res.Balance)
	}

	u, _ := f.users.Get(ctx, f.owner.ID)
	if u.Points != 200 || u.Level != 3 {
		t.Fatalf("user points=%d level=%d", u.Points, u.Level)
	}

	if _, err := f.store.Verify(ctx, d.ID, "reviewer", true, nil); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second verify: %v", err)
	}
}

func TestVerifyRejectDoesNotCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.store.Create(ctx, f.owner.ID, f.bin.ID, bins.WasteGeneral, nil, 5)

	res, err := f.store.Verify(ctx, d.ID, "reviewer", false, nil)
	if err != nil || res.Disposal.Status != StatusRejected || res.Balance != nil {
		t.Fatalf("reject: err=%v %+v", err, res)
	}
	u, _ := f.users.Get(ctx, f.owner.ID)
	if u.Points != 0 {
		t.Fatalf("points credited on reject: %d", u.Points)
	}
}

func TestVerifyAuthorizerRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.store.Create(ctx, f.owner.ID, f.bin.ID, bins.WasteGeneral, nil, 5)
	denied := errors.New("denied")

	var (
		seen    auth.Role
		seenFor string
	)
	_, err := f.store.Verify(ctx, d.ID, "reviewer", true, func(owner string, role auth.Role) error {
		seen, seenFor = role, owner
		return denied
	})
	if !errors.Is(err, denied) {
		t.Fatalf("expected authorizer error, got %v", err)
	}
	if seen != auth.RoleUser || seenFor != f.owner.ID {
		t.Fatalf("authorizer saw %q with role %q", seenFor, seen)
	}
	got, _ := f.store.Get(ctx, d.ID)
	if got.Status != StatusPending {
		t.Fatalf("status changed to %s", got.Status)
	}

	if _, err := f.store.Verify(ctx, "missing", "reviewer", true, nil); !errors.Is(err, ErrDisposalNotFound) {
		t.Fatalf("expected ErrDisposalNotFound, got %v", err)
	}
}

func TestStatsForUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.store.Create(ctx, f.owner.ID, f.bin.ID, bins.WasteRecyclable, weight(2), 40)
	b, _ := f.store.Create(ctx, f.owner.ID, f.bin.ID, bins.WasteRecyclable, nil, 10)
	f.store.Create(ctx, f.owner.ID, f.bin.ID, bins.WasteOrganic, nil, 8)
	if _, err := f.store.Verify(ctx, a.ID, "r", true, nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := f.store.Verify(ctx, b.ID, "r", false, nil); err != nil {
		t.Fatalf("reject: %v", err)
	}

	st, err := f.store.StatsForUser(ctx, f.owner.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 3 || st.Verified != 1 || st.Rejected != 1 || st.Pending != 1 || st.PointsEarned != 40 {
		t.Fatalf("unexpected stats %+v", st)
	}
	rec := st.ByType[bins.WasteRecyclable]
	if rec.Count != 2 || rec.Points != 40 || rec.WeightKg != 2 {
		t.Fatalf("recyclable stats %+v", rec)
	}
}
