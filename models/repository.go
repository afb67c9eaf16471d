package models

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// ResolvePolicy names the two ways program references are resolved. The
// original API diverged between endpoints and the divergence is kept on
// purpose: registration and bulk enroll skip unknown ids, while replacing
// the program set on update rejects the whole request.
type ResolvePolicy int

const (
	ResolveLenientSkip ResolvePolicy = iota
	ResolveStrictAll
)

// MissingProgramsError reports the program ids a strict resolution could
// not find.
type MissingProgramsError struct {
	IDs []uint
}

func (e *MissingProgramsError) Error() string {
	return fmt.Sprintf("programs not found: %v", e.IDs)
}

type Repository interface {
	CreateClient(client *Client, programIDs []uint) error
	GetClientByID(id uint) (*Client, error)
	ListClients() ([]Client, error)
	UpdateClient(client *Client, programIDs []uint) error
	DeleteClient(id uint) error
	EnrollClient(clientID, programID uint) (alreadyEnrolled bool, err error)
	EnrollClientBulk(clientID uint, programIDs []uint) error
	ListClientPrograms(clientID uint) ([]HealthProgram, error)
	RemoveClientProgram(clientID, programID uint) error

	CreateProgram(program *HealthProgram) error
	GetProgramByID(id uint) (*HealthProgram, error)
	ListPrograms() ([]HealthProgram, error)
	UpdateProgram(program *HealthProgram) error
	DeleteProgram(id uint) error
	ListProgramClients(programID uint) ([]Client, error)

	Close() error
}

type PostgresRepository struct {
	db *gorm.DB
}

func NewPostgresRepository() (*PostgresRepository, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_PORT"),
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.SetupJoinTable(&Client{}, "Programs", &Enrollment{}); err != nil {
		return nil, fmt.Errorf("failed to set up join table: %w", err)
	}
	if err := db.SetupJoinTable(&HealthProgram{}, "Clients", &Enrollment{}); err != nil {
		return nil, fmt.Errorf("failed to set up join table: %w", err)
	}

	if err := db.AutoMigrate(&Client{}, &HealthProgram{}, &Enrollment{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translateErr maps gorm sentinels onto the repository's own. The unique
// indexes on email, program name and the enrollment pair are the
// authoritative guard; in-request existence checks only race them.
func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// resolvePrograms loads the programs behind ids under the given policy.
// Duplicate ids are collapsed first.
func resolvePrograms(tx *gorm.DB, ids []uint, policy ResolvePolicy) ([]HealthProgram, error) {
	seen := make(map[uint]bool, len(ids))
	unique := make([]uint, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	var programs []HealthProgram
	if len(unique) > 0 {
		if err := tx.Where("id IN ?", unique).Find(&programs).Error; err != nil {
			return nil, err
		}
	}

	if policy == ResolveStrictAll && len(programs) != len(unique) {
		found := make(map[uint]bool, len(programs))
		for _, p := range programs {
			found[p.ID] = true
		}
		var missing []uint
		for _, id := range unique {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return nil, &MissingProgramsError{IDs: missing}
	}

	return programs, nil
}

func (r *PostgresRepository) CreateClient(client *Client, programIDs []uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Programs").Create(client).Error; err != nil {
			return err
		}

		programs, err := resolvePrograms(tx, programIDs, ResolveLenientSkip)
		if err != nil {
			return err
		}
		for _, p := range programs {
			enrollment := Enrollment{
				ClientID:       client.ID,
				ProgramID:      p.ID,
				EnrollmentDate: time.Now(),
			}
			if err := tx.Create(&enrollment).Error; err != nil {
				return err
			}
		}

		return tx.Preload("Programs").First(client, client.ID).Error
	})
	return translateErr(err)
}

func (r *PostgresRepository) GetClientByID(id uint) (*Client, error) {
	var client Client
	if err := r.db.Preload("Programs").First(&client, id).Error; err != nil {
		return nil, translateErr(err)
	}
	return &client, nil
}

func (r *PostgresRepository) ListClients() ([]Client, error) {
	var clients []Client
	if err := r.db.Preload("Programs").Find(&clients).Error; err != nil {
		return nil, err
	}
	return clients, nil
}

// UpdateClient persists the client's fields and, when programIDs is
// non-nil, replaces the program set with it in the same transaction. A nil
// programIDs leaves memberships untouched; an empty non-nil slice removes
// them all.
func (r *PostgresRepository) UpdateClient(client *Client, programIDs []uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Programs", "CreatedAt").Save(client).Error; err != nil {
			return err
		}
		if programIDs != nil {
			if err := replaceClientPrograms(tx, client.ID, programIDs); err != nil {
				return err
			}
		}
		return tx.Preload("Programs").First(client, client.ID).Error
	})
	return translateErr(err)
}

// replaceClientPrograms makes the client's program set exactly programIDs.
// The replacement is diff-based so enrollment rows that survive keep their
// enrollment date and notes. Strict policy: one unknown id fails the whole
// transaction and nothing is changed.
func replaceClientPrograms(tx *gorm.DB, clientID uint, programIDs []uint) error {
	programs, err := resolvePrograms(tx, programIDs, ResolveStrictAll)
	if err != nil {
		return err
	}

	wanted := make(map[uint]bool, len(programs))
	for _, p := range programs {
		wanted[p.ID] = true
	}

	var current []Enrollment
	if err := tx.Where("client_id = ?", clientID).Find(&current).Error; err != nil {
		return err
	}
	held := make(map[uint]bool, len(current))
	for _, e := range current {
		held[e.ProgramID] = true
		if !wanted[e.ProgramID] {
			if err := tx.Where("client_id = ? AND program_id = ?", clientID, e.ProgramID).
				Delete(&Enrollment{}).Error; err != nil {
				return err
			}
		}
	}

	for _, p := range programs {
		if held[p.ID] {
			continue
		}
		enrollment := Enrollment{
			ClientID:       clientID,
			ProgramID:      p.ID,
			EnrollmentDate: time.Now(),
		}
		if err := tx.Create(&enrollment).Error; err != nil {
			return err
		}
	}

	return nil
}

func (r *PostgresRepository) DeleteClient(id uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("client_id = ?", id).Delete(&Enrollment{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&Client{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	return translateErr(err)
}

func (r *PostgresRepository) EnrollClient(clientID, programID uint) (bool, error) {
	alreadyEnrolled := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var client Client
		if err := tx.First(&client, clientID).Error; err != nil {
			return err
		}
		var program HealthProgram
		if err := tx.First(&program, programID).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&Enrollment{}).
			Where("client_id = ? AND program_id = ?", clientID, programID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			alreadyEnrolled = true
			return nil
		}

		enrollment := Enrollment{
			ClientID:       clientID,
			ProgramID:      programID,
			EnrollmentDate: time.Now(),
		}
		return tx.Create(&enrollment).Error
	})
	return alreadyEnrolled, translateErr(err)
}

// EnrollClientBulk adds the client to every resolvable program in
// programIDs. Unknown ids are skipped and memberships the client already
// holds are left alone, so the call is idempotent.
func (r *PostgresRepository) EnrollClientBulk(clientID uint, programIDs []uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var client Client
		if err := tx.First(&client, clientID).Error; err != nil {
			return err
		}

		programs, err := resolvePrograms(tx, programIDs, ResolveLenientSkip)
		if err != nil {
			return err
		}

		for _, p := range programs {
			var count int64
			if err := tx.Model(&Enrollment{}).
				Where("client_id = ? AND program_id = ?", clientID, p.ID).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			enrollment := Enrollment{
				ClientID:       clientID,
				ProgramID:      p.ID,
				EnrollmentDate: time.Now(),
			}
			if err := tx.Create(&enrollment).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return translateErr(err)
}

func (r *PostgresRepository) ListClientPrograms(clientID uint) ([]HealthProgram, error) {
	var client Client
	if err := r.db.Preload("Programs").First(&client, clientID).Error; err != nil {
		return nil, translateErr(err)
	}
	return client.Programs, nil
}

func (r *PostgresRepository) RemoveClientProgram(clientID, programID uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var client Client
		if err := tx.First(&client, clientID).Error; err != nil {
			return err
		}
		var program HealthProgram
		if err := tx.First(&program, programID).Error; err != nil {
			return err
		}

		result := tx.Where("client_id = ? AND program_id = ?", clientID, programID).
			Delete(&Enrollment{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	return translateErr(err)
}

func (r *PostgresRepository) CreateProgram(program *HealthProgram) error {
	return translateErr(r.db.Create(program).Error)
}

func (r *PostgresRepository) GetProgramByID(id uint) (*HealthProgram, error) {
	var program HealthProgram
	if err := r.db.First(&program, id).Error; err != nil {
		return nil, translateErr(err)
	}
	return &program, nil
}

func (r *PostgresRepository) ListPrograms() ([]HealthProgram, error) {
	var programs []HealthProgram
	if err := r.db.Find(&programs).Error; err != nil {
		return nil, err
	}
	return programs, nil
}

func (r *PostgresRepository) UpdateProgram(program *HealthProgram) error {
	return translateErr(r.db.Omit("Clients", "CreatedAt").Save(program).Error)
}

func (r *PostgresRepository) DeleteProgram(id uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("program_id = ?", id).Delete(&Enrollment{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&HealthProgram{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	return translateErr(err)
}

func (r *PostgresRepository) ListProgramClients(programID uint) ([]Client, error) {
	var program HealthProgram
	if err := r.db.Preload("Clients").First(&program, programID).Error; err != nil {
		return nil, translateErr(err)
	}
	return program.Clients, nil
}
