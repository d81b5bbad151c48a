package handlers

import (
	"encoding/csv"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/roadside_dispatch/backend/internal/models"
)

func parseBookingsCSV(file *multipart.FileHeader) ([]models.Booking, []string) {
	var out []models.Booking
	errs := readCSV(file, "bookings", func(row int, rec []string, index map[string]int) error {
		id := getFieldAny(rec, index, "id", "booking_id", "booking id")
		if id == "" {
			return fmt.Errorf("bookings row %d: id required", row)
		}
		customerID := getFieldAny(rec, index, "customer_id", "customer", "customer id")
		if customerID == "" {
			return fmt.Errorf("bookings row %d: customer_id required", row)
		}
		status, err := parseBookingStatus(getField(rec, index, "status"))
		if err != nil {
			return fmt.Errorf("bookings row %d: %w", row, err)
		}
		lat, lon, err := parseCoords(getFieldAny(rec, index, "pickup_lat", "lat", "latitude"), getFieldAny(rec, index, "pickup_lon", "lon", "lng", "longitude"))
		if err != nil {
			return fmt.Errorf("bookings row %d: %w", row, err)
		}

		b := models.Booking{
			ID:            id,
			CustomerID:    customerID,
			Status:        status,
			PickupLat:     lat,
			PickupLon:     lon,
			PickupAddress: getFieldAny(rec, index, "pickup_address", "address"),
			UpdatedAt:     time.Now().UTC(),
		}
		if m := getField(rec, index, "mechanic_id"); m != "" {
			b.MechanicID = &m
		}
		out = append(out, b)
		return nil
	})
	return out, errs
}

func parseMechanicsCSV(file *multipart.FileHeader) ([]models.Mechanic, []string) {
	var out []models.Mechanic
	errs := readCSV(file, "mechanics", func(row int, rec []string, index map[string]int) error {
		id := getFieldAny(rec, index, "id", "mechanic_id", "mechanic id")
		if id == "" {
			return fmt.Errorf("mechanics row %d: id required", row)
		}
		lat, lon, err := parseCoords(getFieldAny(rec, index, "lat", "latitude"), getFieldAny(rec, index, "lon", "lng", "longitude"))
		if err != nil {
			return fmt.Errorf("mechanics row %d: %w", row, err)
		}
		role := strings.ToLower(getField(rec, index, "role"))
		if role == "" {
			role = models.RoleMechanic
		}

		out = append(out, models.Mechanic{
			ID:        id,
			Name:      getField(rec, index, "name"),
			Role:      role,
			Lat:       lat,
			Lon:       lon,
			Online:    parseBool(getFieldAny(rec, index, "is_online", "online")),
			Available: parseBool(getFieldAny(rec, index, "is_available", "available")),
			UpdatedAt: time.Now().UTC(),
		})
		return nil
	})
	return out, errs
}

// readCSV calls row for every record after the header. Row numbers are
// 1-based and count the header.
func readCSV(file *multipart.FileHeader, name string, row func(n int, rec []string, index map[string]int) error) []string {
	f, err := file.Open()
	if err != nil {
		return []string{err.Error()}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	headers, err := reader.Read()
	if err != nil {
		return []string{name + ": failed to read header"}
	}
	index := headerIndex(headers)

	var errs []string
	for n := 2; ; n++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if err := row(n, rec, index); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func parseBookingStatus(raw string) (models.BookingStatus, error) {
	if raw == "" {
		return models.BookingPending, nil
	}
	s := models.BookingStatus(strings.ToUpper(raw))
	switch s {
	case models.BookingPending, models.BookingConfirmed, models.BookingCompleted, models.BookingCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

func parseCoords(latRaw, lonRaw string) (*float64, *float64, error) {
	if latRaw == "" && lonRaw == "" {
		return nil, nil, nil
	}
	if latRaw == "" || lonRaw == "" {
		return nil, nil, fmt.Errorf("lat and lon must be given together")
	}
	lat, err := strconv.ParseFloat(strings.ReplaceAll(latRaw, ",", "."), 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, nil, fmt.Errorf("invalid lat %q", latRaw)
	}
	lon, err := strconv.ParseFloat(strings.ReplaceAll(lonRaw, ",", "."), 64)
	if err != nil || lon < -180 || lon > 180 {
		return nil, nil, fmt.Errorf("invalid lon %q", lonRaw)
	}
	return &lat, &lon, nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "да":
		return true
	}
	return false
}

func headerIndex(headers []string) map[string]int {
	idx := map[string]int{}
	for i, h := range headers {
		idx[normalizeHeader(h)] = i
	}
	return idx
}

func getField(rec []string, idx map[string]int, name string) string {
	pos, ok := idx[name]
	if !ok || pos >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[pos])
}

func getFieldAny(rec []string, idx map[string]int, names ...string) string {
	for _, name := range names {
		if v := getField(rec, idx, normalizeHeader(name)); v != "" {
			return v
		}
	}
	return ""
}

func normalizeHeader(h string) string {
	h = strings.ReplaceAll(h, "\ufeff", "")
	return strings.ToLower(strings.TrimSpace(h))
}

func validateExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".csv"
}
