package auth

import (
	"errors"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError は入力フォームの1フィールドに対する検証エラー。
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error はerrorインターフェースを実装する。
func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors はフォーム全体の検証エラー。
type ValidationErrors []*FieldError

// Error はerrorインターフェースを実装する。
func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Field は指定フィールドの最初のエラーメッセージを返す。
func (v ValidationErrors) Field(name string) string {
	for _, e := range v {
		if e.Field == name {
			return e.Message
		}
	}
	return ""
}

// SignUpForm はユーザー登録フォームの入力。
type SignUpForm struct {
	DisplayName string `json:"displayName" validate:"min=2"`
	Email       string `json:"email" validate:"required,email"`
	// パスワードはpasswordRulesで規則ごとに検証する。
	Password string `json:"password" validate:"-"`
}

// SignInForm はログインフォームの入力。
type SignInForm struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// fieldMessages はフィールドごとのエラーメッセージ。
var fieldMessages = map[string]string{
	"displayName": "Name must be at least 2 characters",
	"email":       "Invalid email address",
	"password":    "Password is required",
}

// passwordRules は登録時のパスワード強度ルール。満たさないルールはすべて報告する。
var passwordRules = []struct {
	tag     string
	message string
}{
	{"min=8", "Password must be at least 8 characters"},
	{"containsany=ABCDEFGHIJKLMNOPQRSTUVWXYZ", "Must contain at least one uppercase letter"},
	{"containsany=abcdefghijklmnopqrstuvwxyz", "Must contain at least one lowercase letter"},
	{"containsany=0123456789", "Must contain at least one number"},
	{"special", "Must contain at least one special character"},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// エラーのフィールド名をJSONのキーにそろえる。
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("special", hasSpecial); err != nil {
		panic(err)
	}
	return v
}

// hasSpecial は英数字以外の文字を1つ以上含むかどうかを返す。
func hasSpecial(fl validator.FieldLevel) bool {
	return strings.IndexFunc(fl.Field().String(), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) >= 0
}

// ValidateSignUp は登録フォームを検証する。エラーがなければnilを返す。
func ValidateSignUp(f SignUpForm) error {
	f.DisplayName = strings.TrimSpace(f.DisplayName)
	errs := fieldErrors(validate.Struct(f))

	for _, rule := range passwordRules {
		if validate.Var(f.Password, rule.tag) != nil {
			errs = append(errs, &FieldError{Field: "password", Message: rule.message})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateSignIn はログインフォームを検証する。エラーがなければnilを返す。
func ValidateSignIn(f SignInForm) error {
	if errs := fieldErrors(validate.Struct(f)); len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldErrors はvalidatorのエラーをフォーム向けのエラーに変換する。
func fieldErrors(err error) ValidationErrors {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return nil
	}
	errs := make(ValidationErrors, 0, len(ves))
	for _, fe := range ves {
		errs = append(errs, &FieldError{Field: fe.Field(), Message: fieldMessages[fe.Field()]})
	}
	return errs
}

// ValidEmail はメールアドレスが単一のアドレスとして正しい形式かどうかを返す。
// 表示名付きの形式（"Name <a@example.com>"）やドットのないドメインは受け付けない。
func ValidEmail(email string) bool {
	return validate.Var(email, "required,email") == nil
}

// SafeRedirect はログイン後のリダイレクト先として安全なローカルパスを返す。
// 外部URL、スキーム相対URL、バックスラッシュを含むパスはfallbackに置き換える。
func SafeRedirect(target, fallback string) string {
	if target == "" || !strings.HasPrefix(target, "/") ||
		strings.HasPrefix(target, "//") || strings.Contains(target, `\`) {
		return fallback
	}
	u, err := url.Parse(target)
	if err != nil || u.IsAbs() || u.Host != "" {
		return fallback
	}
	return target
}
