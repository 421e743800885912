package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mananvora/nifty_strangler/internal/engine"
	"github.com/mananvora/nifty_strangler/internal/scheduler"
)

// runPromptLoop reads schedule requests interactively until the operator
// exits or the input ends. Invalid entries re-prompt; they never abort the
// loop or touch already-armed jobs.
func runPromptLoop(in io.Reader, out io.Writer, eng *engine.Engine, logger logrus.FieldLogger) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "1. Add order to queue")
		fmt.Fprintln(out, "0. Exit")
		fmt.Fprint(out, "Select option: ")
		line, ok := readLine(scanner)
		if !ok {
			return
		}
		switch strings.TrimSpace(line) {
		case "0":
			return
		case "1":
		default:
			fmt.Fprintln(out, "Unknown option")
			continue
		}

		fmt.Fprint(out, "Enter target premium: ")
		line, ok = readLine(scanner)
		if !ok {
			return
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err != nil || price <= 0 {
			fmt.Fprintln(out, "Invalid premium, expected a positive number")
			continue
		}

		now := time.Now()
		fmt.Fprintf(out, "Enter execution time in 24H format (HH:MM) (now %s): ", now.Format("15:04:05"))
		line, ok = readLine(scanner)
		if !ok {
			return
		}
		fireAt, err := parseFireTime(line, now)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}

		job, err := eng.RequestSchedule(price, fireAt)
		if err != nil {
			if errors.Is(err, scheduler.ErrInvalidTime) {
				fmt.Fprintln(out, "Must enter a future time")
			} else {
				logger.WithError(err).Error("Failed to schedule job")
			}
			continue
		}
		fmt.Fprintf(out, "Order queued: job %s fires at %s\n", job.ID, job.FireAt.Format("15:04:05"))
	}
}

func readLine(scanner *bufio.Scanner) (string, bool) {
	if !scanner.Scan() {
		return "", false
	}
	return scanner.Text(), true
}

// parseFireTime interprets an HH:MM or HH:MM:SS clock reading as an instant
// on now's date, in now's location.
func parseFireTime(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(input)
	layout := "15:04"
	if strings.Count(input, ":") == 2 {
		layout = "15:04:05"
	}
	clock, err := time.ParseInLocation(layout, input, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, expected HH:MM or HH:MM:SS", input)
	}
	return time.Date(now.Year(), now.Month(), now.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location()), nil
}
