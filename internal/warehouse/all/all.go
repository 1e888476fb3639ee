// Package all registers every warehouse backend. Import it for side effects.
package all

import (
	_ "adsync/internal/warehouse/bigquery"
	_ "adsync/internal/warehouse/mssql"
	_ "adsync/internal/warehouse/postgres"
	_ "adsync/internal/warehouse/sqlite"
)
