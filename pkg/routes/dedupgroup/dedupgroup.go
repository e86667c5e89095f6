// Package dedupgroup exposes dedup group lookup and repair endpoints
package dedupgroup

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/merging"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/repair"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

var validate = validator.New()

// Register registers dedup group routes
func Register(g *echo.Group) {
	g.GET("", ListGroups)
	g.POST("", LinkRecords)
	g.GET("/:id", GetGroup)
	g.GET("/:id/records", GetGroupRecords)
	g.POST("/:id/check", CheckGroup)
	g.POST("/check", CheckAllGroups)
}

// ListResponse is a page of dedup groups
type ListResponse struct {
	Items    []*models.DedupGroup `json:"items"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// ListGroups lists live dedup groups, newest changes first
func ListGroups(c echo.Context) error {
	ctx := c.Request().Context()

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	ctx, groups, err := ectoinject.GetContext[storage.DedupStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	items, err := groups.FindGroups(ctx, map[string]any{"deleted": false}, &storage.FindOptions{
		Sort:  []storage.SortField{{Field: "changed_at", Desc: true}},
		Limit: pageSize,
		Skip:  (page - 1) * pageSize,
	})
	if err != nil {
		return err
	}
	if items == nil {
		items = []*models.DedupGroup{}
	}

	return c.JSON(http.StatusOK, ListResponse{Items: items, Page: page, PageSize: pageSize})
}

// LinkRequest names two records to place in the same dedup group
type LinkRequest struct {
	RecordID    string `json:"record_id" validate:"required"`
	DuplicateID string `json:"duplicate_id" validate:"required,nefield=RecordID"`
}

// LinkRecords forces two records into the same dedup group, bypassing the
// matcher. Intended for operator corrections when the matcher misses a pair.
func LinkRecords(c echo.Context) error {
	ctx := c.Request().Context()

	var req LinkRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, records, err := ectoinject.GetContext[storage.RecordStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	for _, id := range []string{req.RecordID, req.DuplicateID} {
		record, err := records.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return httperror.NewHTTPErrorf(http.StatusNotFound, "record %s not found", id)
		}
	}

	ctx, merger, err := ectoinject.GetContext[*merging.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := merger.MarkDuplicates(ctx, req.RecordID, req.DuplicateID); err != nil {
		return err
	}

	record, err := records.GetRecord(ctx, req.RecordID)
	if err != nil {
		return err
	}

	resp := map[string]any{"record_id": req.RecordID, "duplicate_id": req.DuplicateID}
	if record != nil && record.DedupID != nil {
		resp["dedup_id"] = *record.DedupID
	}

	ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
	if logger != nil {
		logger.WithContext(ctx).WithFields(resp).Info("Linked records into dedup group")
	}

	return c.JSON(http.StatusCreated, resp)
}

// GetGroup returns a dedup group by id
func GetGroup(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, groups, err := ectoinject.GetContext[storage.DedupStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	group, err := groups.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if group == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "dedup group %s not found", id)
	}

	return c.JSON(http.StatusOK, group)
}

// GetGroupRecords returns the member records of a dedup group
func GetGroupRecords(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, groups, err := ectoinject.GetContext[storage.DedupStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	group, err := groups.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if group == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "dedup group %s not found", id)
	}

	ctx, records, err := ectoinject.GetContext[storage.RecordStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	members := []*models.Record{}
	if len(group.IDs) > 0 {
		members, err = records.FindRecords(ctx, map[string]any{
			"id": map[string]any{"$in": group.IDs},
		}, nil)
		if err != nil {
			return err
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"group":   group,
		"records": members,
	})
}

// CheckGroup verifies and repairs a single dedup group
func CheckGroup(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, groups, err := ectoinject.GetContext[storage.DedupStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	group, err := groups.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if group == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "dedup group %s not found", id)
	}

	ctx, checker, err := ectoinject.GetContext[*repair.Checker](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	repairs, err := checker.CheckGroup(ctx, group)
	if err != nil {
		return err
	}
	if repairs == nil {
		repairs = []string{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"group_id": id,
		"repairs":  repairs,
	})
}

// CheckAllGroups verifies and repairs every live dedup group
func CheckAllGroups(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, checker, err := ectoinject.GetContext[*repair.Checker](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	repairs, err := checker.CheckAllGroups(ctx)
	if err != nil {
		return err
	}
	if repairs == nil {
		repairs = []string{}
	}

	ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
	if logger != nil {
		logger.WithContext(ctx).WithFields(map[string]any{"repairs": len(repairs)}).Info("Checked all dedup groups")
	}

	return c.JSON(http.StatusOK, map[string]any{"repairs": repairs})
}
