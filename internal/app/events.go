package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"familytree/api/internal/store"
)

// FamilyEvent is one calendar occurrence derived from a member's dates: a
// birthday, or a death anniversary for deceased members.
type FamilyEvent struct {
	ID           string `json:"id"`
	MemberID     string `json:"member_id"`
	MemberName   string `json:"member_name"`
	EventType    string `json:"event_type"`
	EventDate    string `json:"event_date"`
	AgeOnDate    int    `json:"age_on_date"`
	OriginalDate string `json:"original_date"`
}

type EventsResponse struct {
	UpcomingEvents       []FamilyEvent `json:"upcoming_events"`
	PastEvents           []FamilyEvent `json:"past_events"`
	NotificationsEnabled bool          `json:"notifications_enabled"`
}

// EventReminder groups the due events for one opted-in recipient.
type EventReminder struct {
	Username string
	Email    string
	Events   []FamilyEvent
}

const (
	eventBirthday         = "birthday"
	eventDeathAnniversary = "death_anniversary"

	eventDateLayout = "2006-01-02"

	// reminderWindow is how far ahead the reminder batch looks.
	reminderWindow = 48 * time.Hour
)

// Members arrive with dates in whatever format the importing client used, so
// parsing tries ISO first and then both slash orders.
var memberDateLayouts = []string{"2006-01-02", "01/02/2006", "02/01/2006"}

func parseMemberDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range memberDateLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// yearEvents computes every event occurring in the given calendar year,
// sorted by date. A member with an unparseable dob contributes nothing.
// Death anniversaries use the recorded date of death, falling back to the
// dob when that date is missing or unparseable.
func yearEvents(members []store.Member, year int) []FamilyEvent {
	var events []FamilyEvent
	for _, member := range members {
		born, ok := parseMemberDate(member.DOB)
		if !ok {
			continue
		}
		name := strings.TrimSpace(member.FirstName + " " + member.LastName)
		occurs := time.Date(year, born.Month(), born.Day(), 0, 0, 0, 0, time.UTC)
		events = append(events, FamilyEvent{
			ID:           fmt.Sprintf("birthday_%s_%d", member.ID, year),
			MemberID:     member.ID,
			MemberName:   name,
			EventType:    eventBirthday,
			EventDate:    occurs.Format(eventDateLayout),
			AgeOnDate:    year - born.Year(),
			OriginalDate: born.Format(eventDateLayout),
		})

		if !member.IsDeceased {
			continue
		}
		died := born
		if parsed, ok := parseMemberDate(member.DateOfDeath); ok {
			died = parsed
		}
		anniversary := time.Date(year, died.Month(), died.Day(), 0, 0, 0, 0, time.UTC)
		events = append(events, FamilyEvent{
			ID:           fmt.Sprintf("death_anniversary_%s_%d", member.ID, year),
			MemberID:     member.ID,
			MemberName:   name,
			EventType:    eventDeathAnniversary,
			EventDate:    anniversary.Format(eventDateLayout),
			AgeOnDate:    year - died.Year(),
			OriginalDate: died.Format(eventDateLayout),
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].EventDate != events[j].EventDate {
			return events[i].EventDate < events[j].EventDate
		}
		return events[i].ID < events[j].ID
	})
	return events
}

// GetEvents returns this year's events for a space, split around today:
// upcoming (today included) ascending, past descending. The caller's
// reminder setting rides along so the client renders one screen.
func (s *Service) GetEvents(ctx context.Context, spaceID, username string) (EventsResponse, error) {
	members, err := s.store.ListMembers(ctx, spaceID)
	if err != nil {
		return EventsResponse{}, err
	}

	now := time.Now().UTC()
	today := now.Format(eventDateLayout)
	response := EventsResponse{
		UpcomingEvents: []FamilyEvent{},
		PastEvents:     []FamilyEvent{},
	}
	for _, event := range yearEvents(members, now.Year()) {
		if event.EventDate >= today {
			response.UpcomingEvents = append(response.UpcomingEvents, event)
		} else {
			response.PastEvents = append(response.PastEvents, event)
		}
	}
	sort.SliceStable(response.PastEvents, func(i, j int) bool {
		return response.PastEvents[i].EventDate > response.PastEvents[j].EventDate
	})

	notif, err := s.store.GetEventNotification(ctx, username)
	if err != nil {
		return EventsResponse{}, err
	}
	response.NotificationsEnabled = notif.Enabled
	return response, nil
}

// SetEventNotifications records a user's reminder opt-in.
func (s *Service) SetEventNotifications(ctx context.Context, username string, enabled bool) (store.EventNotification, error) {
	notif := store.EventNotification{
		Username:  username,
		Enabled:   enabled,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.SetEventNotification(ctx, notif); err != nil {
		return store.EventNotification{}, err
	}
	return notif, nil
}

// ReminderBatch collects, per opted-in user with an email address, the
// events due within the reminder window in that user's current space.
// Deleted users and users without an address are skipped silently.
func (s *Service) ReminderBatch(ctx context.Context, now time.Time) ([]EventReminder, error) {
	notifs, err := s.store.ListEnabledEventNotifications(ctx)
	if err != nil {
		return nil, err
	}

	dueBySpace := make(map[string][]FamilyEvent)
	var reminders []EventReminder
	for _, notif := range notifs {
		user, err := s.store.GetUser(ctx, notif.Username)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if user.Email == "" {
			continue
		}

		spaceID := user.CurrentSpace
		if spaceID == "" {
			spaceID = s.cfg.DefaultSpace
		}
		due, ok := dueBySpace[spaceID]
		if !ok {
			due, err = s.dueEvents(ctx, spaceID, now)
			if err != nil {
				return nil, err
			}
			dueBySpace[spaceID] = due
		}
		if len(due) == 0 {
			continue
		}
		reminders = append(reminders, EventReminder{
			Username: user.Username,
			Email:    user.Email,
			Events:   due,
		})
	}
	return reminders, nil
}

func (s *Service) dueEvents(ctx context.Context, spaceID string, now time.Time) ([]FamilyEvent, error) {
	members, err := s.store.ListMembers(ctx, spaceID)
	if err != nil {
		return nil, err
	}

	events := yearEvents(members, now.Year())
	// A window reaching past New Year needs next year's occurrences too.
	if until := now.Add(reminderWindow); until.Year() != now.Year() {
		events = append(events, yearEvents(members, until.Year())...)
	}

	start := now.Format(eventDateLayout)
	end := now.Add(reminderWindow).Format(eventDateLayout)
	var due []FamilyEvent
	for _, event := range events {
		if event.EventDate >= start && event.EventDate <= end {
			due = append(due, event)
		}
	}
	return due, nil
}
