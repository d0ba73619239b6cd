package api

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/storage"
)

var validate = validator.New()

// commodityParam is the path segment shared by every price route.
type commodityParam struct {
	Commodity string `validate:"required,oneof=egg copra chicken"`
}

// historicalQuery holds query parameters for the by-date endpoint.
type historicalQuery struct {
	City string `validate:"required"`
	Date string `validate:"required,datetime=2006-01-02"`
}

// rangeQuery holds query parameters for the range endpoint.
type rangeQuery struct {
	City  string `validate:"required"`
	Start string `validate:"required,datetime=2006-01-02"`
	End   string `validate:"required,datetime=2006-01-02"`
}

// RegisterRoutes wires the price handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, q *Queries) {
	v1 := app.Group("/api/v1")

	v1.Get("/:commodity/latest", func(c *fiber.Ctx) error {
		commodity, err := parseCommodity(c)
		if err != nil {
			return err
		}

		records, err := q.Latest(c.UserContext(), commodity, q.CityID(c.Query("city")))
		if err != nil {
			return storeError(err, "failed to fetch latest prices")
		}
		return c.JSON(records)
	})

	v1.Get("/:commodity/historical", func(c *fiber.Ctx) error {
		commodity, err := parseCommodity(c)
		if err != nil {
			return err
		}
		req := historicalQuery{City: c.Query("city"), Date: c.Query("date")}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		date, err := rates.ParseDay(req.Date)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		record, err := q.ByDate(c.UserContext(), commodity, q.CityID(req.City), date)
		if err != nil {
			return storeError(err, "failed to fetch historical price")
		}
		return c.JSON(record)
	})

	v1.Get("/:commodity/range", func(c *fiber.Ctx) error {
		commodity, err := parseCommodity(c)
		if err != nil {
			return err
		}
		req := rangeQuery{City: c.Query("city"), Start: c.Query("start"), End: c.Query("end")}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		start, end, err := parseRange(req)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		records, err := q.Range(c.UserContext(), commodity, q.CityID(req.City), start, end)
		if err != nil {
			return storeError(err, "failed to fetch price range")
		}
		return c.JSON(fiber.Map{
			"commodity": commodity,
			"city":      q.CityID(req.City),
			"start":     req.Start,
			"end":       req.End,
			"records":   records,
		})
	})

	v1.Get("/:commodity/cities", func(c *fiber.Ctx) error {
		commodity, err := parseCommodity(c)
		if err != nil {
			return err
		}
		cities, err := q.Cities(c.UserContext(), commodity)
		if err != nil {
			return storeError(err, "failed to fetch cities")
		}
		return c.JSON(fiber.Map{"cities": cities})
	})
}

func parseCommodity(c *fiber.Ctx) (rates.Commodity, error) {
	p := commodityParam{Commodity: c.Params("commodity")}
	if err := validate.Struct(p); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "unknown commodity "+p.Commodity)
	}
	return rates.Commodity(p.Commodity), nil
}

func parseRange(req rangeQuery) (time.Time, time.Time, error) {
	start, err := rates.ParseDay(req.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := rates.ParseDay(req.End)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("end must not be before start")
	}
	return start, end, nil
}

// storeError maps storage failures onto HTTP errors.
func storeError(err error, msg string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "no data")
	case errors.Is(err, storage.ErrUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, "price store unavailable")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, msg)
	}
}
