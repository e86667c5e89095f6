// Package stats exposes store-level counters
package stats

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/storage"
)

// Register registers stats routes
func Register(g *echo.Group) {
	g.GET("", GetStats)
}

// Response reports record and group counts. Totals come from the planner's
// estimate; the exact flags say which numbers were counted precisely.
type Response struct {
	Records       int64 `json:"records"`
	RecordsExact  bool  `json:"records_exact"`
	Pending       int64 `json:"pending"`
	Groups        int64 `json:"groups"`
	GroupsExact   bool  `json:"groups_exact"`
	DeletedGroups int64 `json:"deleted_groups"`
}

// GetStats returns store counters
func GetStats(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, records, err := ectoinject.GetContext[storage.RecordStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	ctx, groups, err := ectoinject.GetContext[storage.DedupStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	var resp Response
	resp.Records, resp.RecordsExact, err = records.CountRecords(ctx, nil)
	if err != nil {
		return err
	}
	resp.Pending, _, err = records.CountRecords(ctx, map[string]any{"update_needed": true})
	if err != nil {
		return err
	}
	resp.Groups, resp.GroupsExact, err = groups.CountGroups(ctx, map[string]any{"deleted": false})
	if err != nil {
		return err
	}
	resp.DeletedGroups, _, err = groups.CountGroups(ctx, map[string]any{"deleted": true})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}
