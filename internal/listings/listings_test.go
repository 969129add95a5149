package listings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthhq/hearth/internal/auth"
	"github.com/hearthhq/hearth/internal/logging"
)

func TestService_CreateAndGet(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	l, err := svc.Create(ctx, CreateRequest{HostID: "host_1", PricePerNight: 15000, Currency: "USD", MaxGuests: 4})
	require.NoError(t, err)
	assert.Equal(t, "usd", l.Currency)

	got, err := svc.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), got.PricePerNight)
	assert.Equal(t, "host_1", got.HostID)

	_, err = svc.GetListing(ctx, "lst_missing")
	assert.True(t, errors.Is(err, ErrListingNotFound))

	mine, err := svc.ListByHost(ctx, "host_1", 0)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestService_CreateValidation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	tests := []CreateRequest{
		{PricePerNight: 100, Currency: "usd", MaxGuests: 1},
		{HostID: "h", PricePerNight: 0, Currency: "usd", MaxGuests: 1},
		{HostID: "h", PricePerNight: 100, Currency: "usd", MaxGuests: 0},
		{HostID: "h", PricePerNight: 100, MaxGuests: 1},
	}
	for _, req := range tests {
		_, err := svc.Create(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidListing, "%+v", req)
	}
}

func TestHandler_CreateAndGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(NewMemoryStore())
	h := NewHandler(svc, "usd", logging.Discard())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, "host_9")
		c.Next()
	})
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterProtectedRoutes(r.Group("/v1"))

	body, _ := json.Marshal(CreateListingRequest{Title: "Loft", PricePerNightMinorUnits: 9900, MaxGuests: 2})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/listings", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Listing Listing `json:"listing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "host_9", created.Listing.HostID)
	assert.Equal(t, "usd", created.Listing.Currency)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/listings/"+created.Listing.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/listings/lst_nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
