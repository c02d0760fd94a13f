package peerchat

import (
	"net"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func init() {

	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// lowercase first letter of the field
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return strings.ToLower(field.Name)
	})

	validate.RegisterTranslation("required", enTrans, func(ut ut.Translator) error {
		return ut.Add("required", "{0} is a required field", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("required", fe.Field())
		return t
	})

	validate.RegisterTranslation("required_if", enTrans, func(ut ut.Translator) error {
		return ut.Add("required_if", "{0} is a required field", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("required_if", fe.Field())
		return t
	})

	validate.RegisterValidation("listenaddr", func(fl validator.FieldLevel) bool {
		addr, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		_, port, err := net.SplitHostPort(addr)
		return err == nil && port != ""
	})

	validate.RegisterTranslation("listenaddr", enTrans, func(ut ut.Translator) error {
		return ut.Add("listenaddr", "{0} must be a host:port listen address", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("listenaddr", fe.Field())
		return t
	})

}
