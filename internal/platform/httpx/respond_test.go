package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("load: %w", ErrNotFound), http.StatusNotFound},
		{ErrDuplicate, http.StatusConflict},
		{ErrConflict, http.StatusConflict},
		{fmt.Errorf("stock: %w", ErrUnprocessable), http.StatusUnprocessableEntity},
		{ErrValidation, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}

func TestRespondErrorIncludesFieldErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, &ValidationError{Fields: FieldErrors{"item_code": "required"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "required", body.Errors["item_code"])
}

func TestValidateStructUsesJSONNames(t *testing.T) {
	type payload struct {
		ItemCode string `json:"item_code" validate:"required"`
		Type     string `json:"item_type" validate:"required,oneof=ROH FERT"`
		Company  int64  `json:"company_code" validate:"gt=0"`
	}
	err := ValidateStruct(NewValidator(), payload{Type: "XYZ"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "is required", verr.Fields["item_code"])
	require.Equal(t, "must be one of ROH FERT", verr.Fields["item_type"])
	require.Equal(t, "must be greater than 0", verr.Fields["company_code"])

	require.NoError(t, ValidateStruct(NewValidator(), payload{ItemCode: "A", Type: "ROH", Company: 1}))
}
