// Package relational implements the durable store of a Chihaya BitTorrent
// tracker on top of the UNIT3D relational schema, using gorm.
package relational

import (
	"context"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/database"
	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/pkg/stop"
)

// Names by which the durable stores are registered with Chihaya.
const (
	MySQL    = "mysql"
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// Default config constants.
const (
	defaultSQLiteDSN = "data/unit3d.sqlite"
	defaultBatchSize = 500
)

// ErrMissingDSN is returned for a mysql or postgres config without a DSN.
var ErrMissingDSN = errors.New("a dsn is required")

func init() {
	// Register the durable store drivers.
	database.RegisterDriver(MySQL, driver{name: MySQL})
	database.RegisterDriver(Postgres, driver{name: Postgres})
	database.RegisterDriver(SQLite, driver{name: SQLite})
}

type driver struct {
	name string
}

func (d driver) NewStore(icfg interface{}) (database.Store, error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	// Unmarshal the bytes into the proper config type.
	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.Driver = d.name

	return New(cfg)
}

// Config holds the configuration of a relational Store.
type Config struct {
	// Driver is one of MySQL, Postgres or SQLite.
	Driver string `yaml:"driver"`

	DSN string `yaml:"dsn"`

	// Migrate creates or updates the tables on startup. Sites whose schema
	// is managed elsewhere leave it off.
	Migrate bool `yaml:"migrate"`

	// BatchSize is the number of peers inserted per statement.
	BatchSize int `yaml:"batch_size"`
}

// LogFields renders the current config as a set of log fields.
//
// The DSN is never rendered: it usually holds a password.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"driver":    cfg.Driver,
		"migrate":   cfg.Migrate,
		"batchSize": cfg.BatchSize,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() (Config, error) {
	validcfg := cfg

	if cfg.DSN == "" {
		if cfg.Driver != SQLite {
			return cfg, errors.Wrap(ErrMissingDSN, cfg.Driver)
		}

		validcfg.DSN = defaultSQLiteDSN
		log.Warn("falling back to default configuration", log.Fields{
			"name":     cfg.Driver + ".DSN",
			"provided": cfg.DSN,
			"default":  validcfg.DSN,
		})
	}

	if cfg.BatchSize <= 0 {
		validcfg.BatchSize = defaultBatchSize
		log.Warn("falling back to default configuration", log.Fields{
			"name":     cfg.Driver + ".BatchSize",
			"provided": cfg.BatchSize,
			"default":  validcfg.BatchSize,
		})
	}

	return validcfg, nil
}

func dialector(cfg Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case MySQL:
		return mysql.Open(cfg.DSN), nil
	case Postgres:
		return postgres.Open(cfg.DSN), nil
	case SQLite:
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, database.ErrDriverDoesNotExist
	}
}

// New opens a Store.
func New(provided Config) (database.Store, error) {
	cfg, err := provided.Validate()
	if err != nil {
		return nil, err
	}

	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open "+cfg.Driver+" database")
	}

	if cfg.Migrate {
		if err := db.AutoMigrate(&peerRow{}, &historyRow{}, &userRow{}); err != nil {
			return nil, errors.Wrap(err, "failed to migrate database")
		}
	}

	log.Info("database: opened durable store", cfg)
	return &store{cfg: cfg, db: db}, nil
}

// peerRow is a row of the peers table.
type peerRow struct {
	ID         uint64 `gorm:"primaryKey"`
	UserID     uint32 `gorm:"not null;uniqueIndex:peers_user_id_peer_id,priority:1"`
	PeerID     []byte `gorm:"size:20;not null;uniqueIndex:peers_user_id_peer_id,priority:2"`
	TorrentID  uint32 `gorm:"not null;index"`
	IP         []byte `gorm:"size:16;not null"`
	Port       uint16 `gorm:"not null"`
	Seeder     bool   `gorm:"not null"`
	Active     bool   `gorm:"not null"`
	Uploaded   uint64 `gorm:"not null"`
	Downloaded uint64 `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
}

func (peerRow) TableName() string { return "peers" }

// historyRow is a row of the history table.
type historyRow struct {
	ID               uint64 `gorm:"primaryKey"`
	UserID           uint32 `gorm:"not null;uniqueIndex:history_user_id_torrent_id,priority:1"`
	TorrentID        uint32 `gorm:"not null;uniqueIndex:history_user_id_torrent_id,priority:2"`
	Uploaded         uint64 `gorm:"not null;default:0"`
	ActualUploaded   uint64 `gorm:"not null;default:0"`
	Downloaded       uint64 `gorm:"not null;default:0"`
	ActualDownloaded uint64 `gorm:"not null;default:0"`
	Seeder           bool   `gorm:"not null"`
	Active           bool   `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (historyRow) TableName() string { return "history" }

// userRow is the part of a row of the users table the tracker writes to.
type userRow struct {
	ID         uint32 `gorm:"primaryKey"`
	Uploaded   uint64 `gorm:"not null;default:0"`
	Downloaded uint64 `gorm:"not null;default:0"`
}

func (userRow) TableName() string { return "users" }

type store struct {
	cfg Config
	db  *gorm.DB
}

var _ database.Store = &store{}

func (s *store) LoadPeers(ctx context.Context) ([]database.Entry, error) {
	var rows []peerRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load peers")
	}

	entries := make([]database.Entry, 0, len(rows))
	for _, row := range rows {
		e, ok := row.entry()
		if !ok {
			log.Warn("database: skipping malformed peer", log.Fields{
				"id":     row.ID,
				"userID": row.UserID,
			})
			continue
		}
		entries = append(entries, e)
	}

	return entries, nil
}

func (row peerRow) entry() (database.Entry, bool) {
	if len(row.PeerID) != 20 {
		return database.Entry{}, false
	}

	ip, ok := netip.AddrFromSlice(row.IP)
	if !ok {
		return database.Entry{}, false
	}

	idx := bittorrent.Index{UserID: row.UserID, PeerID: bittorrent.PeerIDFromBytes(row.PeerID)}
	return database.Entry{
		Index: idx,
		Peer: bittorrent.Peer{
			IP:         ip.Unmap(),
			Port:       row.Port,
			UserID:     row.UserID,
			TorrentID:  row.TorrentID,
			IsSeeder:   row.Seeder,
			IsActive:   row.Active,
			UpdatedAt:  row.UpdatedAt,
			Uploaded:   row.Uploaded,
			Downloaded: row.Downloaded,
		},
	}, true
}

func newPeerRow(e database.Entry) peerRow {
	peerID := e.Index.PeerID
	return peerRow{
		UserID:     e.Index.UserID,
		PeerID:     peerID[:],
		TorrentID:  e.Peer.TorrentID,
		IP:         e.Peer.IP.AsSlice(),
		Port:       e.Peer.Port,
		Seeder:     e.Peer.IsSeeder,
		Active:     e.Peer.IsActive,
		Uploaded:   e.Peer.Uploaded,
		Downloaded: e.Peer.Downloaded,
		UpdatedAt:  e.Peer.UpdatedAt,
	}
}

func (s *store) ApplyBatch(ctx context.Context, b database.Batch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.upsertPeers(tx, b.Upserts); err != nil {
			return errors.Wrap(err, "failed to upsert peers")
		}

		if err := deletePeers(tx, b.Deletes); err != nil {
			return errors.Wrap(err, "failed to delete peers")
		}

		if err := upsertHistory(tx, b.History); err != nil {
			return errors.Wrap(err, "failed to update history")
		}

		if err := creditUsers(tx, b.Users); err != nil {
			return errors.Wrap(err, "failed to credit users")
		}

		return nil
	})
}

func (s *store) upsertPeers(tx *gorm.DB, entries []database.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([]peerRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, newPeerRow(e))
	}

	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "peer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"torrent_id", "ip", "port", "seeder", "active", "uploaded", "downloaded", "updated_at",
		}),
	}).CreateInBatches(rows, s.cfg.BatchSize).Error
}

func deletePeers(tx *gorm.DB, indexes []bittorrent.Index) error {
	for _, idx := range indexes {
		peerID := idx.PeerID
		err := tx.Where("user_id = ? AND peer_id = ?", idx.UserID, peerID[:]).Delete(&peerRow{}).Error
		if err != nil {
			return err
		}
	}

	return nil
}

func upsertHistory(tx *gorm.DB, history []database.History) error {
	for _, h := range history {
		row := historyRow{
			UserID:           h.UserID,
			TorrentID:        h.TorrentID,
			Uploaded:         h.CreditedUploaded,
			ActualUploaded:   h.Uploaded,
			Downloaded:       h.CreditedDownloaded,
			ActualDownloaded: h.Downloaded,
			Seeder:           h.IsSeeder,
			Active:           h.IsActive,
		}

		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "torrent_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"uploaded":          gorm.Expr("history.uploaded + ?", h.CreditedUploaded),
				"actual_uploaded":   gorm.Expr("history.actual_uploaded + ?", h.Uploaded),
				"downloaded":        gorm.Expr("history.downloaded + ?", h.CreditedDownloaded),
				"actual_downloaded": gorm.Expr("history.actual_downloaded + ?", h.Downloaded),
				"seeder":            h.IsSeeder,
				"active":            h.IsActive,
				"updated_at":        time.Now(),
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}

	return nil
}

func creditUsers(tx *gorm.DB, users []database.UserCredit) error {
	for _, u := range users {
		err := tx.Model(&userRow{}).Where("id = ?", u.UserID).UpdateColumns(map[string]interface{}{
			"uploaded":   gorm.Expr("uploaded + ?", u.Uploaded),
			"downloaded": gorm.Expr("downloaded + ?", u.Downloaded),
		}).Error
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		sqlDB, err := s.db.DB()
		if err != nil {
			c.Done(err)
			return
		}
		if err := sqlDB.Close(); err != nil {
			c.Done(err)
			return
		}
		c.Done()
	}()

	return c.Result()
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
