package merge

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	appcontext "github.com/Ramsey-B/atlas/pkg/context"
	"github.com/Ramsey-B/atlas/pkg/merging"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/utils"

	mergerepo "github.com/Ramsey-B/atlas/internal/repositories/merge"
)

// Register registers merge routes
func Register(g *echo.Group) {
	g.GET("/:id", GetMerge)
	g.POST("/:id/revert", RevertMerge)
}

// GetMerge gets a merge record by ID
func GetMerge(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, repo, err := ectoinject.GetContext[*mergerepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := repo.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, record)
}

// RevertMerge undoes a merge, restoring the merged entity as a live
// identity. References moved during the merge stay where they are.
func RevertMerge(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindAndValidate[models.RevertMergeRequest](c)
	if err != nil {
		return err
	}

	actor := req.Actor
	if actor == "" {
		actor = appcontext.GetActor(ctx)
	}
	if actor == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "actor is required, set it in the body or the X-Actor-ID header")
	}

	ctx, reverter, err := ectoinject.GetContext[*merging.Reverter](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := reverter.Revert(ctx, c.Param("id"), actor, req.Note)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, record)
}
