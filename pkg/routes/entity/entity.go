package entity

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/atlas/internal/store"
	"github.com/Ramsey-B/atlas/pkg/models"
)

// Register registers entity routes
func Register(g *echo.Group) {
	g.GET("/:id", GetEntity)
	g.GET("/:id/canonical", GetCanonical)
	g.GET("/:id/merges", ListMerges)
	g.GET("/:id/audit", ListAudit)
}

// GetEntity returns the entity with its canonical id, aliases, and
// identifiers gathered across the merge group.
func GetEntity(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, st, err := ectoinject.GetContext[*store.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	view, err := st.EntityView(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, view)
}

// GetCanonical follows the merge redirect chain to the live identity.
func GetCanonical(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, st, err := ectoinject.GetContext[*store.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	canonical, err := st.Resolver().Resolve(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.CanonicalResponse{
		RequestedID: id,
		CanonicalID: canonical.ID,
		Kind:        canonical.Kind,
	})
}

// ListMerges returns the merge history involving an entity, newest first.
func ListMerges(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, st, err := ectoinject.GetContext[*store.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	merges, err := st.Merges().ListByEntity(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, merges)
}

// ListAudit returns the audit trail where the entity is the subject,
// oldest first.
func ListAudit(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, st, err := ectoinject.GetContext[*store.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entries, err := st.Audit().ListBySubject(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entries)
}
