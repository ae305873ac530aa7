/**
 * @description
 * This file derives a user's current monthly accounting window. The anchor
 * day is the day-of-month of the user's signup, evaluated in one fixed
 * reference timezone and clamped to 28 so month-end arithmetic is always
 * defined. Windows are half-open [start, end), exactly one calendar month
 * apart.
 */

package app

import (
	"time"

	"github.com/mercii/settlement-service/internal/domain"
)

// maxAnchorDay caps the anchor day-of-month; 29-31 collapse to 28.
const maxAnchorDay = 28

// WindowCalculator computes reward windows in a fixed reference timezone,
// independent of server locale or the user's device timezone.
type WindowCalculator struct {
	loc *time.Location
}

// NewWindowCalculator builds a calculator pinned to the given location.
func NewWindowCalculator(loc *time.Location) *WindowCalculator {
	if loc == nil {
		loc = time.UTC
	}
	return &WindowCalculator{loc: loc}
}

// AnchorDay returns the clamped anchor day-of-month for a user.
func (c *WindowCalculator) AnchorDay(user *domain.User) int {
	day := user.SignupAt.In(c.loc).Day()
	if day > maxAnchorDay {
		day = maxAnchorDay
	}
	return day
}

// ComputeWindow returns the window containing `now` for the given user.
// If today's day-of-month is on or past the anchor day, the window started
// this month; otherwise it started last month. The end is the same anchor
// day one calendar month later.
func (c *WindowCalculator) ComputeWindow(user *domain.User, now time.Time) domain.Window {
	anchorDay := c.AnchorDay(user)
	local := now.In(c.loc)

	year, month := local.Year(), local.Month()
	if local.Day() < anchorDay {
		month--
		if month < time.January {
			month = time.December
			year--
		}
	}

	start := time.Date(year, month, anchorDay, 0, 0, 0, 0, c.loc)
	end := start.AddDate(0, 1, 0)
	return domain.Window{Start: start, End: end}
}
