package migration

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

// Module applies the credit schema before any service touches the ledger.
var Module = fx.Module("migrations",
	fx.Invoke(func(p Params) error {
		log := p.Log.Named("migration")
		versions, err := Versions()
		if err != nil {
			return err
		}
		if err := Apply(p.DB); err != nil {
			log.Error("schema migration failed", zap.String("dialect", p.DB.Dialector.Name()), zap.Error(err))
			return err
		}
		log.Info("schema up to date",
			zap.String("dialect", p.DB.Dialector.Name()),
			zap.Int("embedded_versions", len(versions)),
		)
		return nil
	}),
)
