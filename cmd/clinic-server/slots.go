package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
)

type previewOptions struct {
	day      string
	start    string
	end      string
	capacity int
	duration int
	date     string
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect slot derivation",
	}

	var opts previewOptions
	preview := &cobra.Command{
		Use:   "preview",
		Short: "Print the slots a template yields, without touching any store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd.OutOrStdout(), opts)
		},
	}
	preview.Flags().StringVar(&opts.day, "day", "mon", "Template weekday (mon..sun)")
	preview.Flags().StringVar(&opts.start, "start", "08:00", "Template start time (HH:MM)")
	preview.Flags().StringVar(&opts.end, "end", "12:00", "Template end time (HH:MM)")
	preview.Flags().IntVar(&opts.capacity, "capacity", 1, "Patients per slot")
	preview.Flags().IntVar(&opts.duration, "duration", 30, "Slot length in minutes")
	preview.Flags().StringVar(&opts.date, "date", "", "Calendar date (YYYY-MM-DD); must fall on --day")
	cmd.AddCommand(preview)
	return cmd
}

func runPreview(w io.Writer, opts previewOptions) error {
	day, err := scheduling.ParseWeekday(opts.day)
	if err != nil {
		return err
	}
	start, err := scheduling.ParseTimeOfDay(opts.start)
	if err != nil {
		return err
	}
	end, err := scheduling.ParseTimeOfDay(opts.end)
	if err != nil {
		return err
	}
	t := &scheduling.ScheduleTemplate{
		DoctorID:        uuid.New(),
		DayOfWeek:       day,
		StartTime:       start,
		EndTime:         end,
		CapacityPerSlot: opts.capacity,
	}
	if err := t.Validate(); err != nil {
		return err
	}

	var date scheduling.Date
	if opts.date != "" {
		if date, err = scheduling.ParseDate(opts.date); err != nil {
			return err
		}
		actual, err := scheduling.ResolveWeekday(date)
		if err != nil {
			return err
		}
		if actual != day {
			return fmt.Errorf("%s is a %s, the template runs on %s", date, actual, day)
		}
	} else {
		date = nextDate(day)
	}

	slots, err := scheduling.DeriveSlots([]*scheduling.ScheduleTemplate{t}, date, opts.duration)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "DATE\tSTART\tEND\tCAPACITY\n")
	for _, s := range slots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.Date, s.StartTime, s.EndTime, s.Capacity)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if rem := (int(end) - int(start)) % opts.duration; rem > 0 {
		fmt.Fprintf(w, "%d trailing minute(s) are not bookable\n", rem)
	}
	return nil
}

// nextDate returns the first date on or after 2026-01-05 (a Monday) that
// falls on day, so previews are stable.
func nextDate(day scheduling.Weekday) scheduling.Date {
	for i, w := range scheduling.Weekdays {
		if w == day {
			d, _ := scheduling.NewDate(2026, 1, 5+i)
			return d
		}
	}
	return scheduling.Date{}
}
