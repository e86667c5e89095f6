// Package record exposes record lookup and dedup trigger endpoints
package record

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/processor"
	"github.com/Ramsey-B/sorrel/pkg/repair"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

// Register registers record routes
func Register(g *echo.Group) {
	g.GET("/:id", GetRecord)
	g.GET("/:id/duplicates", GetDuplicates)
	g.POST("/:id/dedup", DedupRecord)
	g.POST("/:id/check", CheckRecordLinks)
}

// GetRecord returns a record by id
func GetRecord(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, records, err := ectoinject.GetContext[storage.RecordStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := records.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "record %s not found", id)
	}

	return c.JSON(http.StatusOK, record)
}

// DuplicatesResponse lists the records grouped with the requested one
type DuplicatesResponse struct {
	RecordID   string           `json:"record_id"`
	DedupID    *string          `json:"dedup_id,omitempty"`
	Duplicates []*models.Record `json:"duplicates"`
}

// GetDuplicates returns the other members of the record's dedup group
func GetDuplicates(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, records, err := ectoinject.GetContext[storage.RecordStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := records.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "record %s not found", id)
	}

	resp := DuplicatesResponse{
		RecordID:   record.ID,
		DedupID:    record.DedupID,
		Duplicates: []*models.Record{},
	}
	if record.DedupID == nil {
		return c.JSON(http.StatusOK, resp)
	}

	duplicates, err := records.FindRecords(ctx, map[string]any{
		"dedup_id": *record.DedupID,
		"id":       map[string]any{"$ne": record.ID},
	}, nil)
	if err != nil {
		return err
	}
	resp.Duplicates = duplicates

	return c.JSON(http.StatusOK, resp)
}

// DedupResponse reports the outcome of an on-demand dedup pass
type DedupResponse struct {
	RecordID string  `json:"record_id"`
	Matched  bool    `json:"matched"`
	DedupID  *string `json:"dedup_id,omitempty"`
}

// DedupRecord runs a dedup pass for the record immediately
func DedupRecord(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, records, err := ectoinject.GetContext[storage.RecordStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := records.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "record %s not found", id)
	}

	ctx, proc, err := ectoinject.GetContext[*processor.Processor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	matched, err := proc.DedupRecord(ctx, record)
	if err != nil {
		return err
	}

	// Re-read for the assigned group id
	record, err = records.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	resp := DedupResponse{RecordID: id, Matched: matched}
	if record != nil {
		resp.DedupID = record.DedupID
	}

	ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
	if logger != nil {
		logger.WithContext(ctx).WithFields(map[string]any{"id": id, "matched": matched}).Info("Ran on-demand dedup")
	}

	return c.JSON(http.StatusOK, resp)
}

// CheckRecordLinks verifies and repairs the record's group link
func CheckRecordLinks(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, records, err := ectoinject.GetContext[storage.RecordStore](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := records.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "record %s not found", id)
	}

	ctx, checker, err := ectoinject.GetContext[*repair.Checker](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	message, err := checker.CheckRecordLinks(ctx, record)
	if err != nil {
		return err
	}

	repairs := []string{}
	if message != "" {
		repairs = append(repairs, message)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"record_id": id,
		"repairs":   repairs,
	})
}
