package candidate

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	appcontext "github.com/Ramsey-B/atlas/pkg/context"
	"github.com/Ramsey-B/atlas/pkg/decision"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/utils"

	"github.com/Ramsey-B/atlas/internal/repositories/matchcandidate"
)

// Register registers match candidate routes
func Register(g *echo.Group) {
	g.GET("", ListCandidates)
	g.GET("/:id", GetCandidate)
	g.POST("/:id/decide", DecideCandidate)
}

// ListCandidates lists match candidates filtered by kind and status,
// highest score first.
func ListCandidates(c echo.Context) error {
	ctx := c.Request().Context()

	kind := models.EntityKind(c.QueryParam("kind"))
	status := models.CandidateStatus(c.QueryParam("status"))
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 100)

	ctx, repo, err := ectoinject.GetContext[*matchcandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := repo.List(ctx, kind, status, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// GetCandidate gets a match candidate by ID
func GetCandidate(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, repo, err := ectoinject.GetContext[*matchcandidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	candidate, err := repo.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, candidate)
}

// DecideCandidate applies a human decision (merge, reject, block) to an
// open candidate. The actor comes from the X-Actor-ID header.
func DecideCandidate(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindAndValidate[models.DecideCandidateRequest](c)
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

	ctx, engine, err := ectoinject.GetContext[*decision.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := engine.Decide(ctx, c.Param("id"), models.DecisionAction(req.Action), actor, req.Note)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	var value int
	if err := echo.QueryParamsBinder(c).Int(name, &value).BindError(); err != nil {
		return fallback
	}
	return value
}
