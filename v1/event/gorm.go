package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	turnerrors "github.com/ticketfabric/turnstile/v1/errors"
)

const (
	defaultGormTable   = "turnstile_events"
	defaultGormTimeout = 5 * time.Second
)

// eventRow is the persisted shape. Times are epoch milliseconds, 0 for
// unset, matching the lock store's convention so one database carries
// both.
type eventRow struct {
	Organizer    string `gorm:"primaryKey;column:organizer"`
	Slug         string `gorm:"primaryKey;column:slug"`
	Name         string `gorm:"column:name"`
	Live         bool   `gorm:"column:live"`
	TestMode     bool   `gorm:"column:testmode"`
	Currency     string `gorm:"column:currency"`
	DateFrom     int64  `gorm:"column:date_from"`
	DateTo       int64  `gorm:"column:date_to"`
	PresaleStart int64  `gorm:"column:presale_start"`
	PresaleEnd   int64  `gorm:"column:presale_end"`
	Plugins      string `gorm:"column:plugins"`
}

// Gorm is a Store backed by a GORM connection. The table is created on
// construction when missing.
type Gorm struct {
	db    *gorm.DB
	sig   *Signals
	log   *slog.Logger
	table string
	// timeout bounds each database call independently of the caller's
	// context.
	timeout time.Duration
}

// GormOption configures a Gorm store.
type GormOption func(*Gorm)

// WithGormTable overrides the table name.
func WithGormTable(name string) GormOption {
	return func(g *Gorm) {
		if name != "" {
			g.table = name
		}
	}
}

// WithGormTimeout overrides the per-operation timeout.
func WithGormTimeout(d time.Duration) GormOption {
	return func(g *Gorm) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithGormLogger sets the logger for saved-hook warnings.
func WithGormLogger(log *slog.Logger) GormOption {
	return func(g *Gorm) {
		if log != nil {
			g.log = log
		}
	}
}

// NewGorm returns a Store over db. A nil sig disables save
// notifications.
func NewGorm(db *gorm.DB, sig *Signals, opts ...GormOption) (*Gorm, error) {
	g := &Gorm{
		db:      db,
		sig:     sig,
		log:     slog.Default(),
		table:   defaultGormTable,
		timeout: defaultGormTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if !db.Migrator().HasTable(g.table) {
		if err := db.Table(g.table).AutoMigrate(&eventRow{}); err != nil {
			return nil, fmt.Errorf("turnstile: migrate %s: %w", g.table, err)
		}
	}
	return g, nil
}

func (g *Gorm) wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return turnerrors.ErrTimeout
	}
	return err
}

// Get implements Store.Get.
func (g *Gorm) Get(ctx context.Context, organizer, slug string) (*Event, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var row eventRow
	err := g.db.WithContext(cctx).Table(g.table).
		First(&row, "organizer = ? AND slug = ?", organizer, slug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, organizer, slug)
	}
	if err != nil {
		return nil, g.wrap(err)
	}
	return row.event(), nil
}

// Save implements Store.Save with an upsert on (organizer, slug).
func (g *Gorm) Save(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	row := newEventRow(e)
	err := g.db.WithContext(cctx).Table(g.table).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "organizer"}, {Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "live", "testmode", "currency",
			"date_from", "date_to", "presale_start", "presale_end", "plugins",
		}),
	}).Create(&row).Error
	if err != nil {
		return g.wrap(err)
	}

	notifySaved(ctx, g.sig, g.log, e)
	return nil
}

// List implements Store.List, sorted by slug.
func (g *Gorm) List(ctx context.Context, organizer string) ([]*Event, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var rows []eventRow
	err := g.db.WithContext(cctx).Table(g.table).
		Where("organizer = ?", organizer).Order("slug").Find(&rows).Error
	if err != nil {
		return nil, g.wrap(err)
	}
	out := make([]*Event, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].event())
	}
	return out, nil
}

func newEventRow(e *Event) eventRow {
	return eventRow{
		Organizer:    e.Organizer,
		Slug:         e.Slug,
		Name:         e.Name,
		Live:         e.Live,
		TestMode:     e.TestMode,
		Currency:     e.Currency,
		DateFrom:     unixMilli(e.DateFrom),
		DateTo:       unixMilli(e.DateTo),
		PresaleStart: unixMilli(e.PresaleStart),
		PresaleEnd:   unixMilli(e.PresaleEnd),
		Plugins:      joinPlugins(e.Plugins),
	}
}

func (r *eventRow) event() *Event {
	return &Event{
		Organizer:    r.Organizer,
		Slug:         r.Slug,
		Name:         r.Name,
		Live:         r.Live,
		TestMode:     r.TestMode,
		Currency:     r.Currency,
		DateFrom:     fromMilli(r.DateFrom),
		DateTo:       fromMilli(r.DateTo),
		PresaleStart: fromMilli(r.PresaleStart),
		PresaleEnd:   fromMilli(r.PresaleEnd),
		Plugins:      splitPlugins(r.Plugins),
	}
}

// unixMilli converts t to epoch milliseconds, zero time to 0.
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMilli is the inverse of unixMilli.
func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
