// Package store implements the artifact store interface from §4.2 on top
// of an embedded gorm+sqlite database, one file per tracking directory.
// It is deliberately generic: every record type in gatortype registers
// once and gets push/update/get for free.
package store

import (
	"fmt"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Store wraps a single sqlite-backed gorm.DB. All access is serialised
// behind mu, matching §5's "single exclusive writer" requirement for the
// artifact store.
type Store struct {
	db *gorm.DB
	mu sync.Mutex

	registered map[string]bool
}

// Open creates or reopens the sqlite file at path. Reopening an existing
// path exposes previously written tables without re-registration, per
// §4.2's durability requirement.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Store{db: db, registered: map[string]bool{}}, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func typeName[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}

// Register declares record shape T, creating its table on first call. It
// is idempotent: registering the same type twice is a no-op.
func Register[T any](s *Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := typeName[T]()
	if s.registered[name] {
		return nil
	}
	var zero T
	if err := s.db.AutoMigrate(&zero); err != nil {
		return fmt.Errorf("store: register %s: %w", name, err)
	}
	s.registered[name] = true
	return nil
}

// Push appends record, returning the uid gorm assigned via the record's
// auto-increment primary key. Callers must register T before pushing.
func Push[T any](s *Store, record *T) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Create(record).Error; err != nil {
		return 0, fmt.Errorf("store: push %s: %w", typeName[T](), err)
	}
	return extractUid(record), nil
}

// Update overwrites the non-uid fields of record, keyed on its Uid field.
func Update[T any](s *Store, record *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Save(record).Error; err != nil {
		return fmt.Errorf("store: update %s: %w", typeName[T](), err)
	}
	return nil
}

// CompareOp names a compound predicate's comparison.
type CompareOp string

const (
	OpExact CompareOp = "="
	OpLike  CompareOp = "LIKE"
	OpGt    CompareOp = ">"
	OpGte   CompareOp = ">="
	OpLt    CompareOp = "<"
	OpLte   CompareOp = "<="
)

// Filter is one field-level predicate in a Get call.
type Filter struct {
	Field string
	Op    CompareOp
	Value interface{}
}

// Exact builds an exact-match filter, the common case.
func Exact(field string, value interface{}) Filter { return Filter{Field: field, Op: OpExact, Value: value} }

// Like builds a SQL LIKE filter.
func Like(field string, pattern string) Filter { return Filter{Field: field, Op: OpLike, Value: pattern} }

// Gt, Gte, Lt, Lte build ordered-comparison filters.
func Gt(field string, value interface{}) Filter  { return Filter{Field: field, Op: OpGt, Value: value} }
func Gte(field string, value interface{}) Filter { return Filter{Field: field, Op: OpGte, Value: value} }
func Lt(field string, value interface{}) Filter  { return Filter{Field: field, Op: OpLt, Value: value} }
func Lte(field string, value interface{}) Filter { return Filter{Field: field, Op: OpLte, Value: value} }

// QueryOptions configures a Get call: filters, ordering, and pagination.
type QueryOptions struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// QueryOption mutates a QueryOptions; Get takes a variadic list of these
// so call sites read like `store.Get[gatortype.LogEntry](s, store.Where(store.Exact("severity", 2)), store.OrderByAsc("uid"))`.
type QueryOption func(*QueryOptions)

// Where appends one or more filters, ANDed together.
func Where(filters ...Filter) QueryOption {
	return func(q *QueryOptions) { q.Filters = append(q.Filters, filters...) }
}

// OrderByAsc/OrderByDesc order results by field; uid ascending is the
// default required capability from §4.2 and needs no explicit option.
func OrderByAsc(field string) QueryOption  { return func(q *QueryOptions) { q.OrderBy = field; q.Desc = false } }
func OrderByDesc(field string) QueryOption { return func(q *QueryOptions) { q.OrderBy = field; q.Desc = true } }

// Take caps the number of returned rows.
func Take(n int) QueryOption { return func(q *QueryOptions) { q.Limit = n } }

func (q QueryOptions) apply(tx *gorm.DB) *gorm.DB {
	for _, f := range q.Filters {
		switch f.Op {
		case OpLike:
			tx = tx.Where(fmt.Sprintf("%s LIKE ?", f.Field), f.Value)
		default:
			tx = tx.Where(fmt.Sprintf("%s %s ?", f.Field, f.Op), f.Value)
		}
	}
	order := q.OrderBy
	if order == "" {
		order = "uid"
	}
	if q.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}
	tx = tx.Order(order)
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	return tx
}

// Get runs a filtered, ordered query for records of type T.
func Get[T any](s *Store, opts ...QueryOption) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var q QueryOptions
	for _, o := range opts {
		o(&q)
	}
	var out []T
	tx := q.apply(s.db.Model(new(T)))
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: get %s: %w", typeName[T](), err)
	}
	return out, nil
}

// Count returns the number of records of type T matching the given
// filters, ignoring ordering/limit options.
func Count[T any](s *Store, filters ...Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := QueryOptions{Filters: filters}
	var n int64
	tx := q.apply(s.db.Model(new(T)))
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count %s: %w", typeName[T](), err)
	}
	return n, nil
}

type uidHaver interface {
	GetUid() uint
}

func extractUid[T any](record *T) uint {
	if u, ok := any(record).(uidHaver); ok {
		return u.GetUid()
	}
	return 0
}
