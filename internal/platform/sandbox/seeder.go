// Package sandbox generates reproducible demo data for a clinic: departments,
// doctors and their weekly schedule templates.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
)

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	Departments          int   `json:"departments"`
	DoctorsPerDepartment int   `json:"doctorsPerDepartment"`
	MaxCapacity          int   `json:"maxCapacity"`
	Seed                 int64 `json:"seed"`
}

// DefaultSeedConfig returns a small clinic.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Departments:          3,
		DoctorsPerDepartment: 3,
		MaxCapacity:          3,
		Seed:                 1,
	}
}

var departmentNames = []string{
	"General Medicine", "Pediatrics", "Cardiology", "Dermatology",
	"Obstetrics", "Ophthalmology", "Orthopedics", "ENT",
}

var familyNames = []string{
	"Nguyen", "Tran", "Le", "Pham", "Hoang", "Huynh", "Phan", "Vu", "Vo", "Dang", "Bui", "Do",
}

var givenNames = []string{
	"An", "Binh", "Chi", "Dung", "Giang", "Hanh", "Khoa", "Lan", "Minh", "Ngoc", "Phuc", "Quang", "Thao", "Tuan",
}

// shift is a working block in minutes since midnight.
type shift struct{ start, end int }

var shiftPatterns = [][]shift{
	{{8 * 60, 12 * 60}, {13 * 60, 17 * 60}},
	{{7*60 + 30, 11*60 + 30}},
	{{13 * 60, 18 * 60}},
	{{8 * 60, 11 * 60}, {14 * 60, 16*60 + 30}},
}

// Department is a generated department and its doctors.
type Department struct {
	ID      uuid.UUID            `json:"id"`
	Name    string               `json:"name"`
	Doctors []*scheduling.Doctor `json:"doctors"`
}

// SeedResult summarises what Apply wrote.
type SeedResult struct {
	Departments []Department `json:"departments"`
	Templates   int          `json:"templates"`
}

// DataGenerator produces the same data for the same seed.
type DataGenerator struct {
	rng *rand.Rand
}

func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) id() uuid.UUID {
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateDoctor returns an active doctor with a deterministic ID.
func (g *DataGenerator) GenerateDoctor(departmentID uuid.UUID) *scheduling.Doctor {
	dept := departmentID
	return &scheduling.Doctor{
		ID:           g.id(),
		Name:         fmt.Sprintf("Dr. %s %s", g.pick(familyNames), g.pick(givenNames)),
		DepartmentID: &dept,
		Active:       true,
	}
}

// GenerateWeek returns a doctor's weekly templates: Monday to Friday, plus
// Saturday morning for some doctors. Blocks of one day never overlap.
func (g *DataGenerator) GenerateWeek(doctorID uuid.UUID, maxCapacity int) []*scheduling.ScheduleTemplate {
	if maxCapacity < 1 {
		maxCapacity = 1
	}
	var out []*scheduling.ScheduleTemplate
	for _, day := range scheduling.Weekdays[:5] {
		pattern := shiftPatterns[g.rng.Intn(len(shiftPatterns))]
		for _, s := range pattern {
			out = append(out, &scheduling.ScheduleTemplate{
				DoctorID:        doctorID,
				DayOfWeek:       day,
				StartTime:       scheduling.TimeOfDay(s.start),
				EndTime:         scheduling.TimeOfDay(s.end),
				CapacityPerSlot: 1 + g.rng.Intn(maxCapacity),
			})
		}
	}
	if g.rng.Intn(3) == 0 {
		out = append(out, &scheduling.ScheduleTemplate{
			DoctorID:        doctorID,
			DayOfWeek:       scheduling.Saturday,
			StartTime:       scheduling.MustTimeOfDay(8, 0),
			EndTime:         scheduling.MustTimeOfDay(11, 0),
			CapacityPerSlot: 1,
		})
	}
	return out
}

// Seeder writes generated data through the scheduling service so every
// template passes the same validation as an admin edit.
type Seeder struct {
	config SeedConfig
	svc    *scheduling.Service
	logger zerolog.Logger
}

func NewSeeder(config SeedConfig, svc *scheduling.Service, logger zerolog.Logger) *Seeder {
	def := DefaultSeedConfig()
	if config.Departments <= 0 {
		config.Departments = def.Departments
	}
	if config.Departments > len(departmentNames) {
		config.Departments = len(departmentNames)
	}
	if config.DoctorsPerDepartment <= 0 {
		config.DoctorsPerDepartment = def.DoctorsPerDepartment
	}
	if config.MaxCapacity <= 0 {
		config.MaxCapacity = def.MaxCapacity
	}
	return &Seeder{config: config, svc: svc, logger: logger}
}

// Apply generates the data set and stores it.
func (s *Seeder) Apply(ctx context.Context) (*SeedResult, error) {
	g := NewDataGenerator(s.config.Seed)
	result := &SeedResult{}

	for i := 0; i < s.config.Departments; i++ {
		dept := Department{ID: g.id(), Name: departmentNames[i]}
		for j := 0; j < s.config.DoctorsPerDepartment; j++ {
			doc := g.GenerateDoctor(dept.ID)
			if err := s.svc.CreateDoctor(ctx, doc); err != nil {
				return nil, fmt.Errorf("create doctor %s: %w", doc.Name, err)
			}
			for _, t := range g.GenerateWeek(doc.ID, s.config.MaxCapacity) {
				if err := s.svc.SaveTemplate(ctx, t); err != nil {
					return nil, fmt.Errorf("save template for %s: %w", doc.Name, err)
				}
				result.Templates++
			}
			dept.Doctors = append(dept.Doctors, doc)
		}
		result.Departments = append(result.Departments, dept)
		s.logger.Info().Str("department", dept.Name).Str("department_id", dept.ID.String()).
			Int("doctors", len(dept.Doctors)).Msg("department seeded")
	}
	return result, nil
}
