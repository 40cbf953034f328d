package pathsafety

import "testing"

func TestValidateRelativePathRejectsPathTraversal(t *testing.T) {
	if _, err := ValidateRelativePath("../escape.bin"); err == nil {
		t.Fatal("expected rejection of leading traversal")
	}
	if _, err := ValidateRelativePath("nested/../../escape.bin"); err == nil {
		t.Fatal("expected rejection of nested traversal")
	}
}

func TestValidateRelativePathRejectsShellExpansionTokens(t *testing.T) {
	if _, err := ValidateRelativePath("~/private.bin"); err == nil {
		t.Fatal("expected rejection of home expansion")
	}
	if _, err := ValidateRelativePath("$HOME/private.bin"); err == nil {
		t.Fatal("expected rejection of env expansion")
	}
}

func TestValidateRelativePathAcceptsNormalRelativePath(t *testing.T) {
	if _, err := ValidateRelativePath("media/photo.jpg"); err != nil {
		t.Fatalf("expected normal relative path to validate, got %v", err)
	}
}

func TestToPosixRelativePathElidesCurDirAndJoins(t *testing.T) {
	got, err := ToPosixRelativePath("./media/./photo.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "media/photo.jpg" {
		t.Fatalf("got %q, want media/photo.jpg", got)
	}
}

func TestToPosixRelativePathRejectsEmpty(t *testing.T) {
	if _, err := ToPosixRelativePath("."); err == nil {
		t.Fatal("expected rejection of empty relative path")
	}
}

func TestNormalizeLibraryNameRejectsTraversalAndSeparators(t *testing.T) {
	cases := []string{"", ".", "..", "a/b", `a\b`, "a~b", "a$b"}
	for _, c := range cases {
		if _, err := NormalizeLibraryName(c); err == nil {
			t.Fatalf("expected rejection of library name %q", c)
		}
	}
}

func TestNormalizeLibraryNameAcceptsPlainName(t *testing.T) {
	got, err := NormalizeLibraryName("  vacation-photos  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "vacation-photos" {
		t.Fatalf("got %q, want trimmed name", got)
	}
}

func TestIsRejectedDistinguishesPathPolicyErrors(t *testing.T) {
	_, err := ValidateRelativePath("/abs/path")
	if !IsRejected(err) {
		t.Fatal("expected ValidateRelativePath failure to be a RejectedError")
	}
}
