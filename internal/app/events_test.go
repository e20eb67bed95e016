package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"familytree/api/internal/store"
)

func TestYearEventsBirthdaysAndAnniversaries(t *testing.T) {
	members := []store.Member{
		{ID: "mem_a", FirstName: "Alice", LastName: "Smith", DOB: "1980-06-15"},
		{ID: "mem_b", FirstName: "Ben", LastName: "Old", DOB: "03/02/1940", IsDeceased: true, DateOfDeath: "11/20/2010"},
		{ID: "mem_c", FirstName: "Cara", LastName: "Blank"},
		{ID: "mem_d", FirstName: "Dan", LastName: "Bad", DOB: "not a date"},
	}

	events := yearEvents(members, 2025)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}

	byID := make(map[string]FamilyEvent, len(events))
	for _, event := range events {
		byID[event.ID] = event
	}

	birthday, ok := byID["birthday_mem_a_2025"]
	if !ok {
		t.Fatal("expected a birthday event for mem_a")
	}
	if birthday.EventDate != "2025-06-15" || birthday.AgeOnDate != 45 {
		t.Errorf("unexpected birthday %+v", birthday)
	}
	if birthday.MemberName != "Alice Smith" {
		t.Errorf("unexpected member name %q", birthday.MemberName)
	}

	anniversary, ok := byID["death_anniversary_mem_b_2025"]
	if !ok {
		t.Fatal("expected a death anniversary for mem_b")
	}
	if anniversary.EventDate != "2025-11-20" || anniversary.AgeOnDate != 15 {
		t.Errorf("unexpected anniversary %+v", anniversary)
	}

	// Sorted by date within the year.
	for i := 1; i < len(events); i++ {
		if events[i-1].EventDate > events[i].EventDate {
			t.Errorf("events out of order: %s after %s", events[i-1].EventDate, events[i].EventDate)
		}
	}
}

func TestYearEventsDeathFallsBackToBirthDate(t *testing.T) {
	members := []store.Member{
		{ID: "mem_x", FirstName: "Xena", LastName: "Lost", DOB: "05/05/1930", IsDeceased: true},
	}

	events := yearEvents(members, 2025)

	var anniversary *FamilyEvent
	for i := range events {
		if events[i].EventType == eventDeathAnniversary {
			anniversary = &events[i]
		}
	}
	if anniversary == nil {
		t.Fatal("expected a death anniversary")
	}
	if anniversary.EventDate != "2025-05-05" {
		t.Errorf("expected fallback to birth date, got %s", anniversary.EventDate)
	}
}

func TestParseMemberDateFormats(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1980-06-15", "1980-06-15"},
		{"06/15/1980", "1980-06-15"},
		{"15/06/1980", "1980-06-15"},
		{" 1980-06-15 ", "1980-06-15"},
	}
	for _, tc := range cases {
		parsed, ok := parseMemberDate(tc.in)
		if !ok {
			t.Errorf("parseMemberDate(%q) failed", tc.in)
			continue
		}
		if got := parsed.Format(eventDateLayout); got != tc.want {
			t.Errorf("parseMemberDate(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
	if _, ok := parseMemberDate("June 15 1980"); ok {
		t.Error("expected free-form date to be rejected")
	}
	if _, ok := parseMemberDate(""); ok {
		t.Error("expected empty date to be rejected")
	}
}

func TestGetEventsTodayCountsAsUpcoming(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	dob := fmt.Sprintf("%02d/%02d/1980", now.Month(), now.Day())
	if _, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "Alice", LastName: "Smith", DOB: dob,
	}); err != nil {
		t.Fatalf("CreateMember failed: %v", err)
	}

	response, err := svc.GetEvents(ctx, "demo", "alice")
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}

	if len(response.UpcomingEvents) != 1 {
		t.Fatalf("expected today's birthday in upcoming, got upcoming=%d past=%d",
			len(response.UpcomingEvents), len(response.PastEvents))
	}
	event := response.UpcomingEvents[0]
	if event.EventDate != now.Format(eventDateLayout) {
		t.Errorf("unexpected event date %s", event.EventDate)
	}
	if event.AgeOnDate != now.Year()-1980 {
		t.Errorf("unexpected age %d", event.AgeOnDate)
	}
	if response.NotificationsEnabled {
		t.Error("expected notifications off by default")
	}

	if _, err := svc.SetEventNotifications(ctx, "alice", true); err != nil {
		t.Fatalf("SetEventNotifications failed: %v", err)
	}
	response, err = svc.GetEvents(ctx, "demo", "alice")
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if !response.NotificationsEnabled {
		t.Error("expected notifications enabled after opt-in")
	}
}

func TestReminderBatchFiltersRecipients(t *testing.T) {
	svc, ds := newTestService(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	// Due tomorrow, inside the window.
	if _, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "Betty", LastName: "Soon", DOB: "06/11/1980",
	}); err != nil {
		t.Fatalf("CreateMember failed: %v", err)
	}
	// Weeks away, outside the window.
	if _, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "Larry", LastName: "Later", DOB: "07/01/1980",
	}); err != nil {
		t.Fatalf("CreateMember failed: %v", err)
	}

	users := []store.User{
		{Username: "alice", Email: "alice@example.com", Role: "member", CurrentSpace: "demo"},
		{Username: "bob", Role: "member", CurrentSpace: "demo"},
		{Username: "carl", Email: "carl@example.com", Role: "member", CurrentSpace: "demo"},
	}
	for _, user := range users {
		if err := ds.CreateUser(ctx, user); err != nil {
			t.Fatalf("CreateUser(%s) failed: %v", user.Username, err)
		}
	}
	for _, username := range []string{"alice", "bob"} {
		if _, err := svc.SetEventNotifications(ctx, username, true); err != nil {
			t.Fatalf("SetEventNotifications(%s) failed: %v", username, err)
		}
	}
	// carl opted out.
	if _, err := svc.SetEventNotifications(ctx, "carl", false); err != nil {
		t.Fatalf("SetEventNotifications(carl) failed: %v", err)
	}

	reminders, err := svc.ReminderBatch(ctx, now)
	if err != nil {
		t.Fatalf("ReminderBatch failed: %v", err)
	}

	// Only alice has reminders on and an email address.
	if len(reminders) != 1 {
		t.Fatalf("expected 1 reminder, got %d: %+v", len(reminders), reminders)
	}
	reminder := reminders[0]
	if reminder.Username != "alice" || reminder.Email != "alice@example.com" {
		t.Errorf("unexpected recipient %+v", reminder)
	}
	if len(reminder.Events) != 1 {
		t.Fatalf("expected 1 due event, got %d", len(reminder.Events))
	}
	if reminder.Events[0].EventDate != "2025-06-11" {
		t.Errorf("unexpected due event %+v", reminder.Events[0])
	}
}

func TestReminderBatchEmptyWhenNothingDue(t *testing.T) {
	svc, ds := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateMember(ctx, "demo", CreateMemberInput{
		FirstName: "Larry", LastName: "Later", DOB: "07/01/1980",
	}); err != nil {
		t.Fatalf("CreateMember failed: %v", err)
	}
	if err := ds.CreateUser(ctx, store.User{
		Username: "alice", Email: "alice@example.com", Role: "member", CurrentSpace: "demo",
	}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, err := svc.SetEventNotifications(ctx, "alice", true); err != nil {
		t.Fatalf("SetEventNotifications failed: %v", err)
	}

	reminders, err := svc.ReminderBatch(ctx, time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReminderBatch failed: %v", err)
	}
	if len(reminders) != 0 {
		t.Fatalf("expected no reminders, got %d", len(reminders))
	}
}
