package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hearly/hearly-api/internal/db"
)

// PackageHandler handles package template operations
type PackageHandler struct {
	common *CommonServices
}

func NewPackageHandler(common *CommonServices) *PackageHandler {
	return &PackageHandler{common: common}
}

// PackageResponse represents the API shape of a package template
type PackageResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	DurationMinutes int32  `json:"duration_minutes"`
	Price           string `json:"price"`
	FeePercent      string `json:"fee_percent"`
}

func toPackageResponse(t db.PackageTemplate) PackageResponse {
	return PackageResponse{
		ID:              t.ID.String(),
		Name:            t.Name,
		Kind:            string(t.Kind),
		DurationMinutes: t.DurationMinutes,
		Price:           t.Price.StringFixed(2),
		FeePercent:      t.FeePercent.String(),
	}
}

// ListPackages godoc
// @Summary List purchasable packages
// @Description Lists active package templates, cheapest and shortest first
// @Tags packages
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /packages [get]
func (h *PackageHandler) ListPackages(c *gin.Context) {
	templates, err := h.common.store.ListActivePackageTemplates(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to list packages", err)
		return
	}

	out := make([]PackageResponse, len(templates))
	for i, t := range templates {
		out[i] = toPackageResponse(t)
	}
	sendList(c, out)
}
