package globalstate

import "testing"

func TestBadge_SetNotifiesOnChange(t *testing.T) {
	b := &Badge{}
	var events []bool
	b.Subscribe(func(on bool) { events = append(events, on) })

	b.Set(true)
	b.Set(true)
	if b.Text() != BadgeOn {
		t.Errorf("Expected badge text %q, got %q", BadgeOn, b.Text())
	}
	b.Set(false)
	if b.Text() != "" {
		t.Errorf("Expected empty badge text, got %q", b.Text())
	}

	if len(events) != 2 || !events[0] || events[1] {
		t.Errorf("Expected [true false] notifications, got %v", events)
	}
}
