package server

import (
	"context"

	"github.com/vigia-electoral/vigia/internal/auth"
	"github.com/vigia-electoral/vigia/internal/schools"
	"gorm.io/gorm"
)

// SeedDemo loads a small fixture data set for local drills: one admin, one
// station operator, and a handful of schools. It is a no-op when operator
// accounts already exist.
func (s *Storage) SeedDemo(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&OperatorAccount{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		demo := &Storage{db: tx, clock: s.clock}

		if err := demo.CreateOperator(ctx, "admin", "admin", auth.RoleAdmin, "", ""); err != nil {
			return err
		}
		if err := demo.CreateOperator(ctx, "cria1", "cria1", auth.RoleStation, "station-1", "Comisaría 1ra"); err != nil {
			return err
		}
		if err := demo.CreateOperator(ctx, "cria2", "cria2", auth.RoleStation, "station-2", "Comisaría 2da"); err != nil {
			return err
		}

		fixtures := []schools.School{
			{
				Name:          "Escuela N°1 Domingo F. Sarmiento",
				Address:       "Calle 50 N°420",
				Station:       schools.Station{ID: "station-1", Name: "Comisaría 1ra"},
				MesasAssigned: 12,
			},
			{
				Name:          "Escuela N°8 Manuel Belgrano",
				Address:       "Av. 7 N°1128",
				Station:       schools.Station{ID: "station-1", Name: "Comisaría 1ra"},
				MesasAssigned: 9,
			},
			{
				Name:          "Colegio San José",
				Address:       "Calle 12 N°876",
				Station:       schools.Station{ID: "station-2", Name: "Comisaría 2da"},
				MesasAssigned: 15,
			},
		}
		for _, fixture := range fixtures {
			if err := demo.CreateSchool(ctx, fixture); err != nil {
				return err
			}
		}
		return nil
	})
}
