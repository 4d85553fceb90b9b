package observation

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/atlas/pkg/ingest"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/utils"
)

// Register registers observation routes
func Register(g *echo.Group) {
	g.POST("", IngestObservations)
}

// IngestObservations runs a batch of observations through the same
// pipeline the Kafka consumer feeds. Bad observations are dropped and
// reported, never fatal to the batch.
func IngestObservations(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindAndValidate[models.ObservationBatchRequest](c)
	if err != nil {
		return err
	}

	ctx, processor, err := ectoinject.GetContext[*ingest.Processor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result := processor.ProcessBatch(ctx, req.Observations)

	return c.JSON(http.StatusAccepted, result)
}
