package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vigia-electoral/vigia/internal/schools"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrSchoolNotFound indicates the requested school does not exist.
	ErrSchoolNotFound = errors.New("server: school not found")
	// ErrOperatorNotFound indicates no account matches the username.
	ErrOperatorNotFound = errors.New("server: operator not found")
	// ErrHourlyLocked rejects writes to an already locked checkpoint report.
	ErrHourlyLocked = errors.New("server: hourly report already locked")
	// ErrPercentOutOfRange rejects turnout values outside 0-100.
	ErrPercentOutOfRange = errors.New("server: turnout percent must be between 0 and 100")
	// ErrTooManyEffectives rejects personnel lists beyond the cap.
	ErrTooManyEffectives = errors.New("server: effectives exceed the limit")

	errMissingDatabase = errors.New("server: database handle is required")
)

// SchoolRecord is the persisted school row. The report, novelty, and
// personnel sequences are stored as JSON text columns.
type SchoolRecord struct {
	SchoolID         string `gorm:"column:school_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:320;not null"`
	Address          string `gorm:"column:address;size:512;not null;default:''"`
	StationID        string `gorm:"column:station_id;size:190;not null;index"`
	StationName      string `gorm:"column:station_name;size:320;not null"`
	IsOpen           bool   `gorm:"column:is_open;not null;default:false"`
	DoorsClosed      bool   `gorm:"column:doors_closed;not null;default:false"`
	UrnsRetrieved    bool   `gorm:"column:urns_retrieved;not null;default:false"`
	FinalClose       bool   `gorm:"column:final_close;not null;default:false"`
	MesasAssigned    int    `gorm:"column:mesas_assigned;not null;default:0"`
	MesasOpen        int    `gorm:"column:mesas_open;not null;default:0"`
	PendingVoters    int    `gorm:"column:pending_voters;not null;default:0"`
	MesasScrutadas   int    `gorm:"column:mesas_scrutadas;not null;default:0"`
	ReportsJSON      string `gorm:"column:reports_json;type:text;not null;default:''"`
	NoveltiesJSON    string `gorm:"column:novelties_json;type:text;not null;default:''"`
	EffectivesJSON   string `gorm:"column:effectives_json;type:text;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName exposes the table backing school records.
func (SchoolRecord) TableName() string {
	return "schools"
}

// OperatorAccount is a seeded dashboard login.
type OperatorAccount struct {
	Username     string `gorm:"column:username;primaryKey;size:190;not null"`
	PasswordHash string `gorm:"column:password_hash;size:190;not null"`
	OperatorID   string `gorm:"column:operator_id;size:190;not null"`
	Role         string `gorm:"column:role;size:32;not null"`
	StationID    string `gorm:"column:station_id;size:190;not null;default:''"`
	StationName  string `gorm:"column:station_name;size:320;not null;default:''"`
}

// TableName exposes the table backing operator accounts.
func (OperatorAccount) TableName() string {
	return "operator_accounts"
}

// StorageConfig describes the dependencies of the storage layer.
type StorageConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Storage persists schools and operator accounts.
type Storage struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStorage constructs the storage layer.
func NewStorage(cfg StorageConfig) (*Storage, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Storage{db: cfg.Database, clock: clock}, nil
}

// FindOperator looks up an account and checks the supplied password.
func (s *Storage) FindOperator(ctx context.Context, username, password string) (OperatorAccount, error) {
	var account OperatorAccount
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return OperatorAccount{}, ErrOperatorNotFound
		}
		return OperatorAccount{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return OperatorAccount{}, ErrOperatorNotFound
	}
	return account, nil
}

// CreateOperator stores a login with a freshly hashed password.
func (s *Storage) CreateOperator(ctx context.Context, username, password, role, stationID, stationName string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	operatorID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	account := OperatorAccount{
		Username:     username,
		PasswordHash: string(hash),
		OperatorID:   operatorID.String(),
		Role:         role,
		StationID:    stationID,
		StationName:  stationName,
	}
	return s.db.WithContext(ctx).Save(&account).Error
}

// CreateSchool stores a new school row.
func (s *Storage) CreateSchool(ctx context.Context, school schools.School) error {
	if school.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		school.ID = id.String()
	}
	record, err := recordFromSchool(school, s.clock().UTC().Unix())
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&record).Error
}

// ListSchools returns every school, optionally narrowed to one station.
func (s *Storage) ListSchools(ctx context.Context, stationID string) ([]schools.School, error) {
	query := s.db.WithContext(ctx).Model(&SchoolRecord{})
	if stationID != "" {
		query = query.Where("station_id = ?", stationID)
	}
	var records []SchoolRecord
	if err := query.Order("name asc").Find(&records).Error; err != nil {
		return nil, err
	}
	list := make([]schools.School, 0, len(records))
	for _, record := range records {
		school, err := record.toSchool()
		if err != nil {
			return nil, err
		}
		list = append(list, school)
	}
	return list, nil
}

// GetSchool returns one school by id.
func (s *Storage) GetSchool(ctx context.Context, schoolID string) (schools.School, error) {
	record, err := s.takeRecord(ctx, s.db, schoolID)
	if err != nil {
		return schools.School{}, err
	}
	return record.toSchool()
}

// ApplyPatch applies a partial update. Hourly reports lock on write and a
// locked report rejects any further change.
func (s *Storage) ApplyPatch(ctx context.Context, schoolID string, patch schools.Patch) (schools.School, error) {
	var updated schools.School
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.takeRecord(ctx, tx, schoolID)
		if err != nil {
			return err
		}
		school, err := record.toSchool()
		if err != nil {
			return err
		}

		if patch.IsOpen != nil {
			school.IsOpen = *patch.IsOpen
		}
		if patch.MesasAssigned != nil {
			school.MesasAssigned = *patch.MesasAssigned
		}
		if patch.MesasOpen != nil {
			school.MesasOpen = *patch.MesasOpen
		}
		if patch.PendingVoters != nil {
			school.PendingVoters = *patch.PendingVoters
		}
		if patch.MesasScrutadas != nil {
			school.MesasScrutadas = *patch.MesasScrutadas
		}
		if patch.DoorsClosed != nil {
			school.DoorsClosed = *patch.DoorsClosed
		}
		if patch.UrnsRetrieved != nil {
			school.UrnsRetrieved = *patch.UrnsRetrieved
		}
		if patch.FinalClose != nil {
			school.FinalClose = *patch.FinalClose
		}
		if patch.Effectives != nil {
			if len(patch.Effectives) > schools.MaxEffectives {
				return ErrTooManyEffectives
			}
			school.Effectives = patch.Effectives
		}
		for _, entry := range patch.HourlyReports {
			if err := applyHourlyEntry(&school, entry); err != nil {
				return err
			}
		}

		fresh, err := recordFromSchool(school, s.clock().UTC().Unix())
		if err != nil {
			return err
		}
		if err := tx.Save(&fresh).Error; err != nil {
			return err
		}
		updated = school
		return nil
	})
	if err != nil {
		return schools.School{}, err
	}
	return updated, nil
}

// AddNovelty prepends a log entry to the school's novelty sequence.
func (s *Storage) AddNovelty(ctx context.Context, schoolID string, noveltyType schools.NoveltyType, text, author string) (schools.Novelty, error) {
	novelty := schools.Novelty{
		At:   s.clock().UTC(),
		Type: noveltyType,
		Text: text,
		By:   author,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.takeRecord(ctx, tx, schoolID)
		if err != nil {
			return err
		}
		school, err := record.toSchool()
		if err != nil {
			return err
		}
		school.Novelties = append([]schools.Novelty{novelty}, school.Novelties...)
		fresh, err := recordFromSchool(school, s.clock().UTC().Unix())
		if err != nil {
			return err
		}
		return tx.Save(&fresh).Error
	})
	if err != nil {
		return schools.Novelty{}, err
	}
	return novelty, nil
}

// Reset returns a school to its initial state, optionally keeping the
// personnel records and the assigned table count.
func (s *Storage) Reset(ctx context.Context, schoolID string, keepEffectives, keepMesasAssigned bool) (schools.School, error) {
	var updated schools.School
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.takeRecord(ctx, tx, schoolID)
		if err != nil {
			return err
		}
		school, err := record.toSchool()
		if err != nil {
			return err
		}

		reset := schools.School{
			ID:      school.ID,
			Name:    school.Name,
			Address: school.Address,
			Station: school.Station,
		}
		if keepMesasAssigned {
			reset.MesasAssigned = school.MesasAssigned
		}
		if keepEffectives {
			reset.Effectives = school.Effectives
		}

		fresh, err := recordFromSchool(reset, s.clock().UTC().Unix())
		if err != nil {
			return err
		}
		if err := tx.Save(&fresh).Error; err != nil {
			return err
		}
		updated = reset
		return nil
	})
	if err != nil {
		return schools.School{}, err
	}
	return updated, nil
}

func (s *Storage) takeRecord(ctx context.Context, tx *gorm.DB, schoolID string) (SchoolRecord, error) {
	var record SchoolRecord
	err := tx.WithContext(ctx).Where("school_id = ?", schoolID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SchoolRecord{}, ErrSchoolNotFound
		}
		return SchoolRecord{}, err
	}
	return record, nil
}

func applyHourlyEntry(school *schools.School, entry schools.HourlyEntry) error {
	if entry.Percent < 0 || entry.Percent > 100 {
		return ErrPercentOutOfRange
	}
	percent := entry.Percent
	for index := range school.HourlyReports {
		if school.HourlyReports[index].Hour != entry.Hour {
			continue
		}
		if school.HourlyReports[index].Locked {
			return ErrHourlyLocked
		}
		school.HourlyReports[index].Percent = &percent
		school.HourlyReports[index].Locked = true
		return nil
	}
	school.HourlyReports = append(school.HourlyReports, schools.HourlyReport{
		Hour:    entry.Hour,
		Percent: &percent,
		Locked:  true,
	})
	return nil
}

func recordFromSchool(school schools.School, updatedAt int64) (SchoolRecord, error) {
	reportsJSON, err := marshalOrEmpty(school.HourlyReports)
	if err != nil {
		return SchoolRecord{}, err
	}
	noveltiesJSON, err := marshalOrEmpty(school.Novelties)
	if err != nil {
		return SchoolRecord{}, err
	}
	effectivesJSON, err := marshalOrEmpty(school.Effectives)
	if err != nil {
		return SchoolRecord{}, err
	}
	return SchoolRecord{
		SchoolID:         school.ID,
		Name:             school.Name,
		Address:          school.Address,
		StationID:        school.Station.ID,
		StationName:      school.Station.Name,
		IsOpen:           school.IsOpen,
		DoorsClosed:      school.DoorsClosed,
		UrnsRetrieved:    school.UrnsRetrieved,
		FinalClose:       school.FinalClose,
		MesasAssigned:    school.MesasAssigned,
		MesasOpen:        school.MesasOpen,
		PendingVoters:    school.PendingVoters,
		MesasScrutadas:   school.MesasScrutadas,
		ReportsJSON:      reportsJSON,
		NoveltiesJSON:    noveltiesJSON,
		EffectivesJSON:   effectivesJSON,
		UpdatedAtSeconds: updatedAt,
	}, nil
}

func (r SchoolRecord) toSchool() (schools.School, error) {
	school := schools.School{
		ID:             r.SchoolID,
		Name:           r.Name,
		Address:        r.Address,
		Station:        schools.Station{ID: r.StationID, Name: r.StationName},
		IsOpen:         r.IsOpen,
		DoorsClosed:    r.DoorsClosed,
		UrnsRetrieved:  r.UrnsRetrieved,
		FinalClose:     r.FinalClose,
		MesasAssigned:  r.MesasAssigned,
		MesasOpen:      r.MesasOpen,
		PendingVoters:  r.PendingVoters,
		MesasScrutadas: r.MesasScrutadas,
	}
	if err := unmarshalIfSet(r.ReportsJSON, &school.HourlyReports); err != nil {
		return schools.School{}, fmt.Errorf("server: decode reports for %s: %w", r.SchoolID, err)
	}
	if err := unmarshalIfSet(r.NoveltiesJSON, &school.Novelties); err != nil {
		return schools.School{}, fmt.Errorf("server: decode novelties for %s: %w", r.SchoolID, err)
	}
	if err := unmarshalIfSet(r.EffectivesJSON, &school.Effectives); err != nil {
		return schools.School{}, fmt.Errorf("server: decode effectives for %s: %w", r.SchoolID, err)
	}
	return school, nil
}

func marshalOrEmpty(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func unmarshalIfSet(raw string, out any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
