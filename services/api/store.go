package api

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"sideloadd/pkg/bus"
	"sideloadd/pkg/cas"
)

// Store holds external dependencies required by the API layer.
type Store struct {
	DB    *pgxpool.Pool
	ORM   *gorm.DB
	Blobs cas.Store
	Bus   *bus.Bus
}
